package protocol

import (
	"fmt"
)

// Command identifies a request. IDs are grouped into fixed ranges of 16 by
// feature area; new commands take a free slot in their area's range and new
// areas take a new range, so existing IDs never move.
type Command uint8

// General
const (
	CmdPing        Command = 0x00
	CmdReadID      Command = 0x01
	CmdReset       Command = 0x02
	CmdGetGeometry Command = 0x03
)

// Bus primitives
const (
	CmdReadPage   Command = 0x10
	CmdWritePage  Command = 0x11
	CmdEraseBlock Command = 0x12
	CmdReadStatus Command = 0x13
)

// Programming and verification
const (
	CmdProgramWithVerify Command = 0x20
	CmdEraseWithVerify   Command = 0x21
	CmdStageImage        Command = 0x22
	CmdProgramStart      Command = 0x23
	CmdProgramStatus     Command = 0x24
	CmdProgramAbort      Command = 0x25
)

// Cloning
const (
	CmdCloneStart   Command = 0x30
	CmdCloneStatus  Command = 0x31
	CmdCloneAbort   Command = 0x32
	CmdCloneMapping Command = 0x33
)

// Table management
const (
	CmdReadBBT       Command = 0x40
	CmdWriteBBT      Command = 0x41
	CmdMarkBadBlock  Command = 0x42
	CmdClearBadBlock Command = 0x43
	CmdScanStart     Command = 0x44
	CmdScanStatus    Command = 0x45
	CmdScanAbort     Command = 0x46
	CmdReadWear      Command = 0x47
	CmdWriteWear     Command = 0x48
)

// Range is a feature area's block of command IDs.
type Range uint8

const (
	RangeGeneral Range = iota
	RangeBus
	RangeProgramming
	RangeCloning
	RangeTables
	RangeUnassigned
)

func (r Range) String() string {
	switch r {
	case RangeGeneral:
		return "general"
	case RangeBus:
		return "bus"
	case RangeProgramming:
		return "programming"
	case RangeCloning:
		return "cloning"
	case RangeTables:
		return "tables"
	}
	return "unassigned"
}

// First returns the lowest command ID in the range.
func (r Range) First() Command {
	return Command(uint8(r) << 4)
}

func (c Command) Range() Range {
	r := Range(c >> 4)
	if r >= RangeUnassigned {
		return RangeUnassigned
	}
	return r
}

var commandNames = map[Command]string{
	CmdPing:              "Ping",
	CmdReadID:            "ReadID",
	CmdReset:             "Reset",
	CmdGetGeometry:       "GetGeometry",
	CmdReadPage:          "ReadPage",
	CmdWritePage:         "WritePage",
	CmdEraseBlock:        "EraseBlock",
	CmdReadStatus:        "ReadStatus",
	CmdProgramWithVerify: "ProgramWithVerify",
	CmdEraseWithVerify:   "EraseWithVerify",
	CmdStageImage:        "StageImage",
	CmdProgramStart:      "ProgramStart",
	CmdProgramStatus:     "ProgramStatus",
	CmdProgramAbort:      "ProgramAbort",
	CmdCloneStart:        "CloneStart",
	CmdCloneStatus:       "CloneStatus",
	CmdCloneAbort:        "CloneAbort",
	CmdCloneMapping:      "CloneMapping",
	CmdReadBBT:           "ReadBBT",
	CmdWriteBBT:          "WriteBBT",
	CmdMarkBadBlock:      "MarkBadBlock",
	CmdClearBadBlock:     "ClearBadBlock",
	CmdScanStart:         "ScanStart",
	CmdScanStatus:        "ScanStatus",
	CmdScanAbort:         "ScanAbort",
	CmdReadWear:          "ReadWear",
	CmdWriteWear:         "WriteWear",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Command(0x%02X)", uint8(c))
}

// Known reports whether the command is defined.
func (c Command) Known() bool {
	_, ok := commandNames[c]
	return ok
}

// usesBus reports whether the command touches the chip directly, and so must
// be refused while a long job owns the bus. Job status/abort and reads of the
// host-visible tables are always allowed.
func (c Command) usesBus() bool {
	switch c {
	case CmdReadID, CmdReset,
		CmdReadPage, CmdWritePage, CmdEraseBlock,
		CmdProgramWithVerify, CmdEraseWithVerify, CmdStageImage, CmdProgramStart,
		CmdCloneStart,
		CmdWriteBBT, CmdMarkBadBlock, CmdClearBadBlock, CmdScanStart, CmdWriteWear:
		return true
	}
	return false
}
