package traci

import (
	"encoding/binary"
	"fmt"
)

// Command is one framed command inside a message.
type Command struct {
	ID      byte
	Content []byte
}

// CommandError is a well-formed failure status returned by the engine, for
// example when a vehicle id is unknown. The session stays usable.
type CommandError struct {
	Command     byte
	Result      byte
	Description string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("traci: command 0x%02x failed (result 0x%02x): %s", e.Command, e.Result, e.Description)
}

// WriteCommand frames a command, using the extended length form when the
// content does not fit a single length byte.
func (w *Writer) WriteCommand(id byte, content []byte) {
	if len(content)+2 <= 255 {
		w.WriteUByte(byte(len(content) + 2))
	} else {
		w.WriteUByte(0)
		w.WriteInt(int32(len(content) + 6))
	}
	w.WriteUByte(id)
	w.WriteRaw(content)
}

// ReadCommand consumes one framed command.
func (r *Reader) ReadCommand() Command {
	length := int(r.ReadUByte())
	header := 2
	if length == 0 {
		length = int(r.ReadInt())
		header = 6
	}
	if r.err != nil {
		return Command{}
	}
	if length < header {
		r.err = fmt.Errorf("%w: command length %d", ErrMalformed, length)
		return Command{}
	}
	id := r.ReadUByte()
	content := r.ReadBytes(length - header)
	if r.err != nil {
		return Command{}
	}
	return Command{ID: id, Content: content}
}

// EncodeMessage builds a complete message, including the leading total length.
func EncodeMessage(cmds ...Command) []byte {
	var body Writer
	for _, c := range cmds {
		body.WriteCommand(c.ID, c.Content)
	}
	out := make([]byte, 4, 4+body.Len())
	binary.BigEndian.PutUint32(out, uint32(4+body.Len()))
	return append(out, body.Bytes()...)
}

// Status is the acknowledgement the engine sends for every command.
type Status struct {
	Command     byte
	Result      byte
	Description string
}

// Err returns a *CommandError for a non-OK status.
func (s Status) Err() error {
	if s.Result == ResultOK {
		return nil
	}
	return &CommandError{Command: s.Command, Result: s.Result, Description: s.Description}
}

// StatusCommand encodes s as a command.
func StatusCommand(s Status) Command {
	var w Writer
	w.WriteUByte(s.Result)
	w.WriteString(s.Description)
	return Command{ID: s.Command, Content: w.Bytes()}
}

// ReadStatus consumes the status for the command with the given id. A status
// for a different command is a protocol violation.
func (r *Reader) ReadStatus(id byte) (Status, error) {
	c := r.ReadCommand()
	if r.err != nil {
		return Status{}, r.err
	}
	if c.ID != id {
		return Status{}, fmt.Errorf("%w: status for command 0x%02x, expected 0x%02x", ErrMalformed, c.ID, id)
	}
	cr := NewReader(c.Content)
	st := Status{Command: c.ID, Result: cr.ReadUByte(), Description: cr.ReadString()}
	if err := cr.Err(); err != nil {
		return Status{}, err
	}
	return st, nil
}
