package wire

import "google.golang.org/protobuf/encoding/protowire"

// Small hand-written helpers around protowire so each message's
// Marshal/Unmarshal stays readable instead of repeating tag arithmetic.
// proto3 semantics: zero-valued scalar fields are omitted on the wire.

func appendUint64(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	return appendUint64(b, num, uint64(v))
}

func appendUint32(b []byte, num protowire.Number, v uint32) []byte {
	return appendUint64(b, num, uint64(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	return appendBytes(b, num, []byte(v))
}

func appendMessage(b []byte, num protowire.Number, body []byte) []byte {
	if body == nil {
		return b
	}
	return appendBytes(b, num, body)
}

func appendRepeatedBytes(b []byte, num protowire.Number, vs [][]byte) []byte {
	for _, v := range vs {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, v)
	}
	return b
}

func appendRepeatedString(b []byte, num protowire.Number, vs []string) []byte {
	for _, v := range vs {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, []byte(v))
	}
	return b
}

// appendStringBytesMap encodes each map<string, bytes> entry as a
// length-delimited submessage with field 1 = key, field 2 = value,
// matching the wire layout protoc would generate for that map type.
func appendStringBytesMap(b []byte, num protowire.Number, m map[string][]byte) []byte {
	for k, v := range m {
		var entry []byte
		entry = appendString(entry, 1, k)
		entry = appendBytes(entry, 2, v)
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

func consumeStringBytesMapEntry(b []byte) (key string, value []byte, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", nil, protowire.ParseError(n)
			}
			key = string(v)
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", nil, protowire.ParseError(n)
			}
			value = append([]byte(nil), v...)
			b = b[n:]
		default:
			n, err := skipField(b, typ)
			if err != nil {
				return "", nil, err
			}
			b = b[n:]
		}
	}
	return key, value, nil
}

func skipField(b []byte, typ protowire.Type) (int, error) {
	n := protowire.ConsumeFieldValue(0, typ, b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, nil
}

func appendStringInt64Map(b []byte, num protowire.Number, m map[string]int64) []byte {
	for k, v := range m {
		var entry []byte
		entry = appendString(entry, 1, k)
		entry = appendInt64(entry, 2, v)
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

func consumeStringInt64MapEntry(b []byte) (key string, value int64, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", 0, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", 0, protowire.ParseError(n)
			}
			key = string(v)
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return "", 0, protowire.ParseError(n)
			}
			value = int64(v)
			b = b[n:]
		default:
			n, err := skipField(b, typ)
			if err != nil {
				return "", 0, err
			}
			b = b[n:]
		}
	}
	return key, value, nil
}

// walkFields iterates the top-level fields of a message body, calling
// fn for each (field number, wire type, raw remaining bytes starting at
// the value). fn returns how many bytes of the value it consumed, or a
// negative count to have walkFields skip the field; a non-nil error
// stops the walk.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		consumed, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if consumed < 0 {
			skip, err := skipField(b, typ)
			if err != nil {
				return err
			}
			consumed = skip
		}
		b = b[consumed:]
	}
	return nil
}
