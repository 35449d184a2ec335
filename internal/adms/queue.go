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
	"strconv"
	"strings"
)

// CommandQueue holds the commands waiting for a terminal's next poll.
type CommandQueue struct {
	reg *registry[pendingCommands]
}

type pendingCommands struct {
	commands []string
	// bodies indexes commands by their text without the "C:<id>:" prefix
	bodies map[string]struct{}
}

func NewCommandQueue() *CommandQueue {
	return &CommandQueue{
		reg: newRegistry(func(string) *pendingCommands {
			return &pendingCommands{bodies: make(map[string]struct{})}
		}),
	}
}

// Enqueue appends command unless the same command is already pending for serial.
func (q *CommandQueue) Enqueue(serial string, command string) bool {
	_, queued := q.EnqueueFunc(serial, CommandBody(command), func() string {
		return command
	})
	return queued
}

// EnqueueFunc queues the command built by build unless body is already pending.
// build runs under the device lock, so the pending check and the append are atomic.
// It returns the queued text, or the already pending one.
func (q *CommandQueue) EnqueueFunc(serial string, body string, build func() string) (text string, queued bool) {
	q.reg.with(serial, func(p *pendingCommands) {
		if _, dup := p.bodies[body]; dup {
			for _, c := range p.commands {
				if CommandBody(c) == body {
					text = c
					break
				}
			}
			return
		}
		text = build()
		p.commands = append(p.commands, text)
		p.bodies[body] = struct{}{}
		queued = true
	})
	return text, queued
}

// Drain removes and returns every pending command of serial, oldest first.
func (q *CommandQueue) Drain(serial string) []string {
	var drained []string
	q.reg.peek(serial, func(p *pendingCommands) {
		drained = p.commands
		p.commands = nil
		p.bodies = make(map[string]struct{})
	})
	return drained
}

// Pending returns a copy of the pending commands without removing them.
func (q *CommandQueue) Pending(serial string) []string {
	var pending []string
	q.reg.peek(serial, func(p *pendingCommands) {
		pending = append(pending, p.commands...)
	})
	return pending
}

func (q *CommandQueue) Len(serial string) int {
	var n int
	q.reg.peek(serial, func(p *pendingCommands) {
		n = len(p.commands)
	})
	return n
}

// ForgetIfEmpty drops the queue of serial, but only when nothing is pending.
func (q *CommandQueue) ForgetIfEmpty(serial string) bool {
	return q.reg.deleteIf(serial, func(p *pendingCommands) bool {
		return len(p.commands) == 0
	})
}

// CommandBody strips the "C:<id>:" prefix from a wire command.
func CommandBody(command string) string {
	if _, body, ok := splitCommand(command); ok {
		return body
	}
	return command
}

// CommandID returns the id of a "C:<id>:<body>" command.
func CommandID(command string) (int64, bool) {
	id, _, ok := splitCommand(command)
	return id, ok
}

func splitCommand(command string) (int64, string, bool) {
	rest, found := strings.CutPrefix(command, "C:")
	if !found {
		return 0, "", false
	}
	rawID, body, found := strings.Cut(rest, ":")
	if !found {
		return 0, "", false
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return id, body, true
}

// FormatCommand renders the wire form of a command.
func FormatCommand(id int64, body string) string {
	return "C:" + strconv.FormatInt(id, 10) + ":" + body
}
