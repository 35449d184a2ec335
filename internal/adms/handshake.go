// Copyright 2023 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package adms

import (
	"fmt"
	"strings"
	"time"
)

// HandshakeOptions are the settings returned to a terminal on its initial GET of the data endpoint.
type HandshakeOptions struct {
	PollDelay  time.Duration
	ErrorDelay time.Duration
}

// Handshake touches serial and renders the option block telling the terminal how to upload.
func (e *Engine) Handshake(serial string, opts HandshakeOptions) string {
	e.Touch(serial)

	if opts.ErrorDelay <= 0 {
		opts.ErrorDelay = 30 * time.Second
	}
	_, offset := e.clock.now().In(e.loc).Zone()

	var b strings.Builder
	fmt.Fprintf(&b, "GET OPTION FROM: %s\n", serial)
	b.WriteString("ATTLOGStamp=None\n")
	b.WriteString("OPERLOGStamp=9999\n")
	b.WriteString("ATTPHOTOStamp=None\n")
	fmt.Fprintf(&b, "ErrorDelay=%d\n", int(opts.ErrorDelay.Seconds()))
	fmt.Fprintf(&b, "Delay=%d\n", int(opts.PollDelay.Seconds()))
	b.WriteString("TransTimes=00:00;14:05\n")
	b.WriteString("TransInterval=1\n")
	b.WriteString("TransFlag=TransData AttLog OpLog EnrollUser ChgUser\n")
	fmt.Fprintf(&b, "TimeZone=%d\n", offset/3600)
	b.WriteString("Realtime=1\n")
	b.WriteString("Encrypt=None\n")
	return b.String()
}
