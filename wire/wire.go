package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const (
	formatVersionCurrent = 1

	kindCommand byte = 1
	kindReply   byte = 2
	kindEvent   byte = 3
)

// ErrBadVersion is returned when a payload carries an unknown format version.
var ErrBadVersion = errors.New("unknown wire format version")

// ErrBadKind is returned when a payload carries an unknown message kind.
var ErrBadKind = errors.New("unknown wire message kind")

// ErrTruncated is returned when a payload ends before its declared contents.
var ErrTruncated = errors.New("truncated wire payload")

// ErrStringTooLong is returned when a string field exceeds the encodable size.
var ErrStringTooLong = errors.New("string field too long")

const maxStringLen = 1<<16 - 1

// Command is the envelope for one client request. Ref correlates the
// eventual reply; Token is the session's security context, empty before
// authentication.
type Command struct {
	Ref    uint64
	Token  string
	Schema string
	Name   string
	Args   []string
}

// Result carries the payload of a successful reply. Only the fields relevant
// to the originating command are populated: Handle and Columns for execute,
// Rows and Done for fetch, Token and Steps for authenticate.
type Result struct {
	Handle  string
	Columns []string
	Rows    [][]string
	Done    bool
	Token   string
	Steps   []string
}

// Reply answers one Command. A non-empty Err marks an error reply; Result is
// nil in that case. The Ref mirrors the originating command's Ref.
type Reply struct {
	Ref    uint64
	Err    string
	Result *Result
}

// Failed reports whether the reply carries a backend error.
func (r *Reply) Failed() bool {
	return r.Err != ""
}

// Event is an unsolicited change notification. Table is empty for
// activity-completion events; Row is populated for detailed notifications.
type Event struct {
	Table string
	Op    string
	Row   []string
}

// Message is one decoded inbound payload. Exactly one field is non-nil.
type Message struct {
	Command *Command
	Reply   *Reply
	Event   *Event
}

// EncodeCommand serializes a command envelope.
func EncodeCommand(c *Command) ([]byte, error) {
	var buf bytes.Buffer
	writeHeader(&buf, kindCommand, c.Ref)

	if err := writeString(&buf, c.Token); err != nil {
		return nil, err
	}
	if err := writeString(&buf, c.Schema); err != nil {
		return nil, err
	}
	if err := writeString(&buf, c.Name); err != nil {
		return nil, err
	}
	if err := writeStrings(&buf, c.Args); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeReply serializes a reply, error or success.
func EncodeReply(r *Reply) ([]byte, error) {
	var buf bytes.Buffer
	writeHeader(&buf, kindReply, r.Ref)

	if err := writeString(&buf, r.Err); err != nil {
		return nil, err
	}
	if r.Err != "" {
		return buf.Bytes(), nil
	}

	res := r.Result
	if res == nil {
		res = &Result{}
	}
	if err := writeString(&buf, res.Handle); err != nil {
		return nil, err
	}
	if err := writeStrings(&buf, res.Columns); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(res.Rows))); err != nil {
		return nil, err
	}
	for _, row := range res.Rows {
		if err := writeStrings(&buf, row); err != nil {
			return nil, err
		}
	}
	if res.Done {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	if err := writeString(&buf, res.Token); err != nil {
		return nil, err
	}
	if err := writeStrings(&buf, res.Steps); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeEvent serializes a change notification. Events carry no correlation
// reference; the ref field on the wire is zero.
func EncodeEvent(e *Event) ([]byte, error) {
	var buf bytes.Buffer
	writeHeader(&buf, kindEvent, 0)

	if err := writeString(&buf, e.Table); err != nil {
		return nil, err
	}
	if err := writeString(&buf, e.Op); err != nil {
		return nil, err
	}
	if err := writeStrings(&buf, e.Row); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeMessage parses one frame payload into a command, reply, or event.
func DecodeMessage(data []byte) (*Message, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, ErrTruncated
	}
	if version != formatVersionCurrent {
		return nil, ErrBadVersion
	}

	kind, err := reader.ReadByte()
	if err != nil {
		return nil, ErrTruncated
	}

	var ref uint64
	if err := binary.Read(reader, binary.BigEndian, &ref); err != nil {
		return nil, ErrTruncated
	}

	switch kind {
	case kindCommand:
		c := &Command{Ref: ref}
		if c.Token, err = readString(reader); err != nil {
			return nil, err
		}
		if c.Schema, err = readString(reader); err != nil {
			return nil, err
		}
		if c.Name, err = readString(reader); err != nil {
			return nil, err
		}
		if c.Args, err = readStrings(reader); err != nil {
			return nil, err
		}
		return &Message{Command: c}, nil

	case kindReply:
		r := &Reply{Ref: ref}
		if r.Err, err = readString(reader); err != nil {
			return nil, err
		}
		if r.Err != "" {
			return &Message{Reply: r}, nil
		}
		res := &Result{}
		if res.Handle, err = readString(reader); err != nil {
			return nil, err
		}
		if res.Columns, err = readStrings(reader); err != nil {
			return nil, err
		}
		var rowCount uint32
		if err := binary.Read(reader, binary.BigEndian, &rowCount); err != nil {
			return nil, ErrTruncated
		}
		if uint64(rowCount) > uint64(reader.Len()) {
			return nil, ErrTruncated
		}
		for i := uint32(0); i < rowCount; i++ {
			row, err := readStrings(reader)
			if err != nil {
				return nil, err
			}
			res.Rows = append(res.Rows, row)
		}
		doneByte, err := reader.ReadByte()
		if err != nil {
			return nil, ErrTruncated
		}
		res.Done = doneByte == 1
		if res.Token, err = readString(reader); err != nil {
			return nil, err
		}
		if res.Steps, err = readStrings(reader); err != nil {
			return nil, err
		}
		r.Result = res
		return &Message{Reply: r}, nil

	case kindEvent:
		e := &Event{}
		if e.Table, err = readString(reader); err != nil {
			return nil, err
		}
		if e.Op, err = readString(reader); err != nil {
			return nil, err
		}
		if e.Row, err = readStrings(reader); err != nil {
			return nil, err
		}
		return &Message{Event: e}, nil
	}
	return nil, ErrBadKind
}

func writeHeader(buf *bytes.Buffer, kind byte, ref uint64) {
	buf.WriteByte(formatVersionCurrent)
	buf.WriteByte(kind)
	var refBytes [8]byte
	binary.BigEndian.PutUint64(refBytes[:], ref)
	buf.Write(refBytes[:])
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > maxStringLen {
		return ErrStringTooLong
	}
	var lenBytes [2]byte
	binary.BigEndian.PutUint16(lenBytes[:], uint16(len(s)))
	buf.Write(lenBytes[:])
	buf.WriteString(s)
	return nil
}

func writeStrings(buf *bytes.Buffer, list []string) error {
	if len(list) > maxStringLen {
		return ErrStringTooLong
	}
	var lenBytes [2]byte
	binary.BigEndian.PutUint16(lenBytes[:], uint16(len(list)))
	buf.Write(lenBytes[:])
	for _, s := range list {
		if err := writeString(buf, s); err != nil {
			return err
		}
	}
	return nil
}

func readString(r *bytes.Reader) (string, error) {
	var strLen uint16
	if err := binary.Read(r, binary.BigEndian, &strLen); err != nil {
		return "", ErrTruncated
	}
	if int(strLen) > r.Len() {
		return "", ErrTruncated
	}
	raw := make([]byte, strLen)
	if _, err := io.ReadFull(r, raw); err != nil {
		return "", ErrTruncated
	}
	return string(raw), nil
}

func readStrings(r *bytes.Reader) ([]string, error) {
	var count uint16
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, ErrTruncated
	}
	if int(count) > r.Len() {
		return nil, ErrTruncated
	}
	var list []string
	for i := uint16(0); i < count; i++ {
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, nil
}
