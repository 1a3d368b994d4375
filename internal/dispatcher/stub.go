package dispatcher

import "github.com/s00inx/aioqserver/internal/conn"

// StubHandler represents a protocol this build doesn't implement yet
// (FILE transfer, CHAT), grounded on original_source's taskHander.h
// task-type enumeration going beyond HTTP. It is registered so the
// first-claim-wins contract is exercised by more than one handler, but
// it never actually claims a connection — file/chat transport is out
// of scope (spec.md §1 Non-goals).
type StubHandler struct {
	TaskName conn.TaskType
}

func (s *StubHandler) CanClaim(c *conn.Connection) bool        { return false }
func (s *StubHandler) IsFrameComplete(c *conn.Connection) bool { return false }
func (s *StubHandler) Handle(c *conn.Connection)               {}
func (s *StubHandler) Name() conn.TaskType                     { return s.TaskName }
