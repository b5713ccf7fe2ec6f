package smtpkit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tinylib/msgp/msgp"
)

// Envelope serialization: accepted transactions are frequently handed to
// a queue or spool, so the envelope (everything but the body sink)
// round-trips through JSON and MessagePack.

// ToJSON serializes the transaction envelope as JSON.
func (t *Transaction) ToJSON() ([]byte, error) {
	return json.Marshal(t)
}

// TransactionFromJSON deserializes a transaction envelope from JSON.
func TransactionFromJSON(data []byte) (*Transaction, error) {
	var t Transaction
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal transaction: %w", err)
	}
	return &t, nil
}

// ToMessagePack serializes the transaction envelope as MessagePack.
func (t *Transaction) ToMessagePack() ([]byte, error) {
	var buf bytes.Buffer
	if err := msgp.Encode(&buf, t); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// TransactionFromMessagePack deserializes a transaction envelope from
// MessagePack.
func TransactionFromMessagePack(data []byte) (*Transaction, error) {
	var t Transaction
	if err := msgp.Decode(bytes.NewReader(data), &t); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	return &t, nil
}

// EncodeMsg implements msgp.Encodable.
func (t *Transaction) EncodeMsg(en *msgp.Writer) error {
	if err := en.WriteMapHeader(11); err != nil {
		return err
	}
	if err := writeStringField(en, "id", t.ID); err != nil {
		return err
	}
	if err := writeStringField(en, "server_helo", t.ServerHelo); err != nil {
		return err
	}
	if err := en.WriteString("server_ehlo_keywords"); err != nil {
		return err
	}
	if err := writeKeywordMap(en, t.ServerEhloKeywords); err != nil {
		return err
	}
	if err := writeStringField(en, "client_helo", t.ClientHelo); err != nil {
		return err
	}
	if err := writeStringField(en, "server_domain", t.ServerDomain); err != nil {
		return err
	}
	if err := writeStringField(en, "server_address", t.ServerAddress); err != nil {
		return err
	}
	if err := writeStringField(en, "client_domain", t.ClientDomain); err != nil {
		return err
	}
	if err := writeStringField(en, "client_address", t.ClientAddress); err != nil {
		return err
	}
	if err := en.WriteString("reverse_path"); err != nil {
		return err
	}
	if err := t.ReversePath.EncodeMsg(en); err != nil {
		return err
	}
	if err := en.WriteString("forward_paths"); err != nil {
		return err
	}
	if err := en.WriteArrayHeader(uint32(len(t.ForwardPaths))); err != nil {
		return err
	}
	for i := range t.ForwardPaths {
		if err := t.ForwardPaths[i].EncodeMsg(en); err != nil {
			return err
		}
	}
	if err := en.WriteString("created_at"); err != nil {
		return err
	}
	return en.WriteTime(t.CreatedAt)
}

// DecodeMsg implements msgp.Decodable.
func (t *Transaction) DecodeMsg(dc *msgp.Reader) error {
	fields, err := dc.ReadMapHeader()
	if err != nil {
		return err
	}
	for range fields {
		field, err := dc.ReadString()
		if err != nil {
			return err
		}
		switch field {
		case "id":
			t.ID, err = dc.ReadString()
		case "server_helo":
			t.ServerHelo, err = dc.ReadString()
		case "server_ehlo_keywords":
			t.ServerEhloKeywords, err = readKeywordMap(dc)
		case "client_helo":
			t.ClientHelo, err = dc.ReadString()
		case "server_domain":
			t.ServerDomain, err = dc.ReadString()
		case "server_address":
			t.ServerAddress, err = dc.ReadString()
		case "client_domain":
			t.ClientDomain, err = dc.ReadString()
		case "client_address":
			t.ClientAddress, err = dc.ReadString()
		case "reverse_path":
			err = t.ReversePath.DecodeMsg(dc)
		case "forward_paths":
			var n uint32
			n, err = dc.ReadArrayHeader()
			if err != nil {
				return err
			}
			t.ForwardPaths = nil
			for range n {
				var p Path
				if err := p.DecodeMsg(dc); err != nil {
					return err
				}
				t.ForwardPaths = append(t.ForwardPaths, p)
			}
		case "created_at":
			t.CreatedAt, err = dc.ReadTime()
		default:
			err = dc.Skip()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// EncodeMsg implements msgp.Encodable.
func (p *Path) EncodeMsg(en *msgp.Writer) error {
	if err := en.WriteMapHeader(3); err != nil {
		return err
	}
	if err := writeStringField(en, "mailbox", p.Mailbox); err != nil {
		return err
	}
	if err := en.WriteString("route"); err != nil {
		return err
	}
	if err := en.WriteArrayHeader(uint32(len(p.Route))); err != nil {
		return err
	}
	for _, d := range p.Route {
		if err := en.WriteString(d); err != nil {
			return err
		}
	}
	if err := en.WriteString("params"); err != nil {
		return err
	}
	if err := en.WriteMapHeader(uint32(len(p.Params))); err != nil {
		return err
	}
	for _, name := range p.paramNames() {
		if err := en.WriteString(name); err != nil {
			return err
		}
		if err := en.WriteString(p.Params[name]); err != nil {
			return err
		}
	}
	return nil
}

// DecodeMsg implements msgp.Decodable.
func (p *Path) DecodeMsg(dc *msgp.Reader) error {
	fields, err := dc.ReadMapHeader()
	if err != nil {
		return err
	}
	for range fields {
		field, err := dc.ReadString()
		if err != nil {
			return err
		}
		switch field {
		case "mailbox":
			p.Mailbox, err = dc.ReadString()
		case "route":
			var n uint32
			n, err = dc.ReadArrayHeader()
			if err != nil {
				return err
			}
			p.Route = nil
			for range n {
				d, err := dc.ReadString()
				if err != nil {
					return err
				}
				p.Route = append(p.Route, d)
			}
		case "params":
			var n uint32
			n, err = dc.ReadMapHeader()
			if err != nil {
				return err
			}
			p.Params = nil
			for range n {
				name, err := dc.ReadString()
				if err != nil {
					return err
				}
				value, err := dc.ReadString()
				if err != nil {
					return err
				}
				if p.Params == nil {
					p.Params = make(map[string]string)
				}
				p.Params[name] = value
			}
		default:
			err = dc.Skip()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func writeStringField(en *msgp.Writer, name, value string) error {
	if err := en.WriteString(name); err != nil {
		return err
	}
	return en.WriteString(value)
}

func writeKeywordMap(en *msgp.Writer, keywords map[string][]string) error {
	if err := en.WriteMapHeader(uint32(len(keywords))); err != nil {
		return err
	}
	names := make([]string, 0, len(keywords))
	for name := range keywords {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := en.WriteString(name); err != nil {
			return err
		}
		values := keywords[name]
		if err := en.WriteArrayHeader(uint32(len(values))); err != nil {
			return err
		}
		for _, v := range values {
			if err := en.WriteString(v); err != nil {
				return err
			}
		}
	}
	return nil
}

func readKeywordMap(dc *msgp.Reader) (map[string][]string, error) {
	n, err := dc.ReadMapHeader()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	keywords := make(map[string][]string, n)
	for range n {
		name, err := dc.ReadString()
		if err != nil {
			return nil, err
		}
		sz, err := dc.ReadArrayHeader()
		if err != nil {
			return nil, err
		}
		var values []string
		for range sz {
			v, err := dc.ReadString()
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		keywords[name] = values
	}
	return keywords, nil
}
