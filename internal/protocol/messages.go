package protocol

// Message is one typed record on the channel. Messages are immutable values;
// a Channel sends them, readers below build them after the tag is consumed.
type Message interface {
	Type() MessageType
	encode(e *Encoder) error
}

// WriteMessage writes the tag and body of m and flushes the encoder.
func WriteMessage(e *Encoder, m Message) error {
	if err := e.WriteByte(byte(m.Type())); err != nil {
		return err
	}
	if err := m.encode(e); err != nil {
		return err
	}
	return e.Flush()
}

// CheckVersions opens the handshake from the client.
type CheckVersions struct {
	MinVersion        int32
	MaxVersion        int32
	HostedHTMLVersion string
}

func (CheckVersions) Type() MessageType { return MsgCheckVersions }

func (m CheckVersions) encode(e *Encoder) error {
	if err := e.WriteInt32(m.MinVersion); err != nil {
		return err
	}
	if err := e.WriteInt32(m.MaxVersion); err != nil {
		return err
	}
	return e.WriteString(m.HostedHTMLVersion)
}

func ReadCheckVersions(d *Decoder) (CheckVersions, error) {
	var m CheckVersions
	var err error
	if m.MinVersion, err = d.ReadInt32(); err != nil {
		return m, err
	}
	if m.MaxVersion, err = d.ReadInt32(); err != nil {
		return m, err
	}
	m.HostedHTMLVersion, err = d.ReadString()
	return m, err
}

// ProtocolVersion acknowledges the handshake with the negotiated version.
type ProtocolVersion struct {
	Version int32
}

func (ProtocolVersion) Type() MessageType { return MsgProtocolVersion }

func (m ProtocolVersion) encode(e *Encoder) error { return e.WriteInt32(m.Version) }

func ReadProtocolVersion(d *Decoder) (ProtocolVersion, error) {
	v, err := d.ReadInt32()
	return ProtocolVersion{Version: v}, err
}

// FatalError is terminal for its sender.
type FatalError struct {
	Message string
}

func (FatalError) Type() MessageType { return MsgFatalError }

func (m FatalError) encode(e *Encoder) error { return e.WriteString(m.Message) }

func ReadFatalError(d *Decoder) (FatalError, error) {
	s, err := d.ReadString()
	return FatalError{Message: s}, err
}

// ChooseTransport offers alternate transports, most preferred first.
type ChooseTransport struct {
	Transports []string
}

func (ChooseTransport) Type() MessageType { return MsgChooseTransport }

func (m ChooseTransport) encode(e *Encoder) error {
	if err := e.WriteInt32(int32(len(m.Transports))); err != nil {
		return err
	}
	for _, t := range m.Transports {
		if err := e.WriteString(t); err != nil {
			return err
		}
	}
	return nil
}

func ReadChooseTransport(d *Decoder) (ChooseTransport, error) {
	n, err := d.readCount("read transports")
	if err != nil {
		return ChooseTransport{}, err
	}
	m := ChooseTransport{Transports: make([]string, n)}
	for i := range m.Transports {
		if m.Transports[i], err = d.ReadString(); err != nil {
			return ChooseTransport{}, err
		}
	}
	return m, nil
}

// SwitchTransport answers ChooseTransport. An empty Transport keeps the
// session on the current connection.
type SwitchTransport struct {
	Transport string
	Args      string
}

func (SwitchTransport) Type() MessageType { return MsgSwitchTransport }

func (m SwitchTransport) encode(e *Encoder) error {
	if err := e.WriteString(m.Transport); err != nil {
		return err
	}
	return e.WriteString(m.Args)
}

func ReadSwitchTransport(d *Decoder) (SwitchTransport, error) {
	var m SwitchTransport
	var err error
	if m.Transport, err = d.ReadString(); err != nil {
		return m, err
	}
	m.Args, err = d.ReadString()
	return m, err
}

// LoadModule asks the server to initialize a module for this session.
type LoadModule struct {
	URL        string
	TabKey     string
	SessionKey string
	ModuleName string
	UserAgent  string
}

func (LoadModule) Type() MessageType { return MsgLoadModule }

func (m LoadModule) encode(e *Encoder) error {
	for _, s := range [...]string{m.URL, m.TabKey, m.SessionKey, m.ModuleName, m.UserAgent} {
		if err := e.WriteString(s); err != nil {
			return err
		}
	}
	return nil
}

func ReadLoadModule(d *Decoder) (LoadModule, error) {
	var m LoadModule
	for _, dst := range [...]*string{&m.URL, &m.TabKey, &m.SessionKey, &m.ModuleName, &m.UserAgent} {
		s, err := d.ReadString()
		if err != nil {
			return LoadModule{}, err
		}
		*dst = s
	}
	return m, nil
}

// OldLoadModule is the version 1 load request, sent without a handshake.
type OldLoadModule struct {
	ProtoVersion int32
	ModuleName   string
	UserAgent    string
}

func (OldLoadModule) Type() MessageType { return MsgOldLoadModule }

func (m OldLoadModule) encode(e *Encoder) error {
	if err := e.WriteInt32(m.ProtoVersion); err != nil {
		return err
	}
	if err := e.WriteString(m.ModuleName); err != nil {
		return err
	}
	return e.WriteString(m.UserAgent)
}

func ReadOldLoadModule(d *Decoder) (OldLoadModule, error) {
	var m OldLoadModule
	var err error
	if m.ProtoVersion, err = d.ReadInt32(); err != nil {
		return m, err
	}
	if m.ModuleName, err = d.ReadString(); err != nil {
		return m, err
	}
	m.UserAgent, err = d.ReadString()
	return m, err
}

type RequestIcon struct{}

func (RequestIcon) Type() MessageType { return MsgRequestIcon }

func (RequestIcon) encode(*Encoder) error { return nil }

// UserAgentIcon carries the client's icon; an empty Icon means none.
type UserAgentIcon struct {
	Icon []byte
}

func (UserAgentIcon) Type() MessageType { return MsgUserAgentIcon }

func (m UserAgentIcon) encode(e *Encoder) error { return e.WriteBytes(m.Icon) }

func ReadUserAgentIcon(d *Decoder) (UserAgentIcon, error) {
	b, err := d.ReadBytes()
	return UserAgentIcon{Icon: b}, err
}

type RequestPlugin struct{}

func (RequestPlugin) Type() MessageType { return MsgRequestPlugin }

func (RequestPlugin) encode(*Encoder) error { return nil }

// InvokeOnClient is the server to client shape of Invoke: the target is
// resolved by name in the script engine.
type InvokeOnClient struct {
	Method string
	This   Value
	Args   []Value
}

func (InvokeOnClient) Type() MessageType { return MsgInvoke }

func (m InvokeOnClient) encode(e *Encoder) error {
	if err := e.WriteString(m.Method); err != nil {
		return err
	}
	if err := e.WriteValue(m.This); err != nil {
		return err
	}
	return e.writeValues(m.Args)
}

func ReadInvokeOnClient(d *Decoder) (InvokeOnClient, error) {
	var m InvokeOnClient
	var err error
	if m.Method, err = d.ReadString(); err != nil {
		return m, err
	}
	if m.This, err = d.ReadValue(); err != nil {
		return m, err
	}
	m.Args, err = d.readValues()
	return m, err
}

// InvokeOnServer is the client to server shape of Invoke: the target is a
// server-resolved dispatch id.
type InvokeOnServer struct {
	DispatchID int32
	This       Value
	Args       []Value
}

func (InvokeOnServer) Type() MessageType { return MsgInvoke }

func (m InvokeOnServer) encode(e *Encoder) error {
	if err := e.WriteInt32(m.DispatchID); err != nil {
		return err
	}
	if err := e.WriteValue(m.This); err != nil {
		return err
	}
	return e.writeValues(m.Args)
}

func ReadInvokeOnServer(d *Decoder) (InvokeOnServer, error) {
	var m InvokeOnServer
	var err error
	if m.DispatchID, err = d.ReadInt32(); err != nil {
		return m, err
	}
	if m.This, err = d.ReadValue(); err != nil {
		return m, err
	}
	m.Args, err = d.readValues()
	return m, err
}

// InvokeSpecial addresses the reserved dispatch object.
type InvokeSpecial struct {
	Dispatch SpecialDispatchID
	Args     []Value
}

func (InvokeSpecial) Type() MessageType { return MsgInvokeSpecial }

func (m InvokeSpecial) encode(e *Encoder) error {
	if !m.Dispatch.Valid() {
		return protocolErr("encode invoke special", ErrUnknownDispatch, "id=%d", m.Dispatch)
	}
	if err := e.WriteByte(byte(m.Dispatch)); err != nil {
		return err
	}
	return e.writeValues(m.Args)
}

func ReadInvokeSpecial(d *Decoder) (InvokeSpecial, error) {
	b, err := d.readByte()
	if err != nil {
		return InvokeSpecial{}, err
	}
	m := InvokeSpecial{Dispatch: SpecialDispatchID(b)}
	if !m.Dispatch.Valid() {
		return InvokeSpecial{}, protocolErr("read invoke special", ErrUnknownDispatch, "id=%d", b)
	}
	m.Args, err = d.readValues()
	return m, err
}

// Return completes exactly one outstanding request.
type Return struct {
	Exception bool
	Value     Value
}

func (Return) Type() MessageType { return MsgReturn }

func (m Return) encode(e *Encoder) error {
	if err := e.WriteBool(m.Exception); err != nil {
		return err
	}
	return e.WriteValue(m.Value)
}

func ReadReturn(d *Decoder) (Return, error) {
	var m Return
	var err error
	if m.Exception, err = d.ReadBool(); err != nil {
		return m, err
	}
	m.Value, err = d.ReadValue()
	return m, err
}

// FreeValue releases handles the sender no longer references.
type FreeValue struct {
	IDs []int32
}

func (FreeValue) Type() MessageType { return MsgFreeValue }

func (m FreeValue) encode(e *Encoder) error {
	if err := e.WriteInt32(int32(len(m.IDs))); err != nil {
		return err
	}
	for _, id := range m.IDs {
		if err := e.WriteInt32(id); err != nil {
			return err
		}
	}
	return nil
}

func ReadFreeValue(d *Decoder) (FreeValue, error) {
	n, err := d.readCount("read free ids")
	if err != nil {
		return FreeValue{}, err
	}
	m := FreeValue{IDs: make([]int32, n)}
	for i := range m.IDs {
		if m.IDs[i], err = d.ReadInt32(); err != nil {
			return FreeValue{}, err
		}
	}
	return m, nil
}

// LoadJsni pushes script source to the client. It has no response.
type LoadJsni struct {
	Source string
}

func (LoadJsni) Type() MessageType { return MsgLoadJsni }

func (m LoadJsni) encode(e *Encoder) error { return e.WriteString(m.Source) }

func ReadLoadJsni(d *Decoder) (LoadJsni, error) {
	s, err := d.ReadString()
	return LoadJsni{Source: s}, err
}

type Quit struct{}

func (Quit) Type() MessageType { return MsgQuit }

func (Quit) encode(*Encoder) error { return nil }
