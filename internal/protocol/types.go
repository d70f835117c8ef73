package protocol

import "strconv"

const (
	// VersionOldest is the oldest protocol version the code server accepts.
	VersionOldest int32 = 2
	// VersionCurrent is the newest protocol version this implementation speaks.
	VersionCurrent int32 = 3
	// VersionGetIcon is the first version with the user-agent icon exchange.
	VersionGetIcon int32 = 3
	// VersionLegacyLoad is the only version accepted through OldLoadModule.
	VersionLegacyLoad int32 = 1

	// DispatchObjectID is the reserved server handle of the channel's own
	// dispatch object. It is only addressed through InvokeSpecial.
	DispatchObjectID int32 = 0
)

// MessageType is the leading tag byte of every message.
type MessageType uint8

const (
	MsgInvoke          MessageType = 0
	MsgReturn          MessageType = 1
	MsgOldLoadModule   MessageType = 2
	MsgQuit            MessageType = 3
	MsgLoadJsni        MessageType = 4
	MsgInvokeSpecial   MessageType = 5
	MsgFreeValue       MessageType = 6
	MsgFatalError      MessageType = 7
	MsgCheckVersions   MessageType = 8
	MsgProtocolVersion MessageType = 9
	MsgChooseTransport MessageType = 10
	MsgSwitchTransport MessageType = 11
	MsgLoadModule      MessageType = 12
	MsgRequestIcon     MessageType = 13
	MsgUserAgentIcon   MessageType = 14
	MsgRequestPlugin   MessageType = 15
)

var messageTypeNames = [...]string{
	MsgInvoke:          "Invoke",
	MsgReturn:          "Return",
	MsgOldLoadModule:   "OldLoadModule",
	MsgQuit:            "Quit",
	MsgLoadJsni:        "LoadJsni",
	MsgInvokeSpecial:   "InvokeSpecial",
	MsgFreeValue:       "FreeValue",
	MsgFatalError:      "FatalError",
	MsgCheckVersions:   "CheckVersions",
	MsgProtocolVersion: "ProtocolVersion",
	MsgChooseTransport: "ChooseTransport",
	MsgSwitchTransport: "SwitchTransport",
	MsgLoadModule:      "LoadModule",
	MsgRequestIcon:     "RequestIcon",
	MsgUserAgentIcon:   "UserAgentIcon",
	MsgRequestPlugin:   "RequestPlugin",
}

func (t MessageType) Valid() bool {
	return int(t) < len(messageTypeNames)
}

func (t MessageType) String() string {
	if t.Valid() {
		return messageTypeNames[t]
	}
	return "MessageType(" + strconv.Itoa(int(t)) + ")"
}

// ValueType is the leading tag byte of an encoded Value.
type ValueType uint8

const (
	TypeNull         ValueType = 0
	TypeBoolean      ValueType = 1
	TypeByte         ValueType = 2
	TypeChar         ValueType = 3
	TypeShort        ValueType = 4
	TypeInt          ValueType = 5
	TypeDouble       ValueType = 8
	TypeString       ValueType = 9
	TypeServerObject ValueType = 10
	TypeScriptObject ValueType = 11
	TypeUndefined    ValueType = 12
)

func (t ValueType) Valid() bool {
	switch t {
	case TypeNull, TypeBoolean, TypeByte, TypeChar, TypeShort, TypeInt,
		TypeDouble, TypeString, TypeServerObject, TypeScriptObject, TypeUndefined:
		return true
	}
	return false
}

func (t ValueType) String() string {
	switch t {
	case TypeNull:
		return "Null"
	case TypeBoolean:
		return "Boolean"
	case TypeByte:
		return "Byte"
	case TypeChar:
		return "Char"
	case TypeShort:
		return "Short"
	case TypeInt:
		return "Int"
	case TypeDouble:
		return "Double"
	case TypeString:
		return "String"
	case TypeServerObject:
		return "ServerObject"
	case TypeScriptObject:
		return "ScriptObject"
	case TypeUndefined:
		return "Undefined"
	}
	return "ValueType(" + strconv.Itoa(int(t)) + ")"
}

// SpecialDispatchID selects the operation of an InvokeSpecial message.
type SpecialDispatchID uint8

const (
	SpecialHasMethod   SpecialDispatchID = 0
	SpecialHasProperty SpecialDispatchID = 1
	SpecialGetProperty SpecialDispatchID = 2
	SpecialSetProperty SpecialDispatchID = 3
)

func (d SpecialDispatchID) Valid() bool {
	return d <= SpecialSetProperty
}

func (d SpecialDispatchID) String() string {
	switch d {
	case SpecialHasMethod:
		return "HasMethod"
	case SpecialHasProperty:
		return "HasProperty"
	case SpecialGetProperty:
		return "GetProperty"
	case SpecialSetProperty:
		return "SetProperty"
	}
	return "SpecialDispatchID(" + strconv.Itoa(int(d)) + ")"
}
