// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters from functions and values with ordinary
// Go types to the push handlers and data sources used by a datashare server.
//
// Parameters may be []byte or string, or a type whose pointer supports one of
// the encoding.BinaryUnmarshaler or encoding.TextUnmarshaler interfaces.
//
// Results may be []byte or string, or any type that supports the one of the
// encoding.BinaryMarshaler or encoding.TextMarshaler interfaces.
package handler

import (
	"bytes"
	"context"
	"encoding"
	"fmt"

	"github.com/creachadair/datashare"
	"github.com/creachadair/datashare/server"
	"github.com/creachadair/datashare/source"
)

// pushContextKey is a context key for the push message to a handler.
type pushContextKey struct{}

// ContextPush returns the original push message passed to the handler, or nil
// if ctx has no associated push. The context passed to a function adapted by
// Push will have this value.
func ContextPush(ctx context.Context) *datashare.Push {
	if v := ctx.Value(pushContextKey{}); v != nil {
		return v.(*datashare.Push)
	}
	return nil
}

// Push adapts a function f that accepts pushed data decoded as type P to a
// server.PushHandler. If the data cannot be decoded, the push is answered with
// BadDeserialization. Otherwise the reply reports the code of the error
// returned by f, so a function that returns a datashare.Code (possibly
// wrapped) controls the reply exactly.
func Push[P any](f func(context.Context, datashare.HostID, P) error) server.PushHandler {
	return pushFunc(func(ctx context.Context, from datashare.HostID, push *datashare.Push, data []byte) datashare.Code {
		var p P
		if err := unmarshal(data, &p); err != nil {
			return datashare.BadDeserialization
		}
		hctx := context.WithValue(ctx, pushContextKey{}, push)
		return datashare.CodeOf(f(hctx, from, p))
	})
}

type pushFunc func(context.Context, datashare.HostID, *datashare.Push, []byte) datashare.Code

func (f pushFunc) HandlePush(ctx context.Context, from datashare.HostID, push *datashare.Push, data []byte) datashare.Code {
	return f(ctx, from, push, data)
}

// Value returns a ready source serving the encoding of v.
func Value[R any](v R, desc datashare.Description) (source.Source, error) {
	data, err := marshal(v)
	if err != nil {
		return nil, err
	}
	return source.NewBytes(data, desc), nil
}

// Func adapts a function f that returns a result of type R and an error to a
// resource. The function is called for each request of the resource itself;
// sub-paths are not served. If f or the encoding of its result fails, the
// request is answered with ReadError.
func Func[R any](desc datashare.Description, f func(context.Context) (R, error)) source.Resource {
	return source.ResourceFunc(func(sub datashare.Path, _ string) source.Source {
		if !sub.IsEmpty() {
			return nil
		}
		r, err := f(context.Background())
		if err == nil {
			var src source.Source
			if src, err = Value(r, desc); err == nil {
				return src
			}
		}
		d := source.NewDeferred(desc)
		d.Fail(err)
		return d
	})
}

// unmarshal decodes pushed data into v, which must point to a []byte or a
// string, or implement one of the binary or text unmarshaling interfaces. The
// binary interface wins if v has both.
func unmarshal(data []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = bytes.Clone(data)
	case *string:
		*t = string(data)
	case encoding.BinaryUnmarshaler:
		return t.UnmarshalBinary(data)
	case encoding.TextUnmarshaler:
		return t.UnmarshalText(data)
	default:
		return fmt.Errorf("handler: cannot decode push data into %T", v)
	}
	return nil
}

// marshal encodes v as the content of a source. A nil *string or *[]byte
// encodes as empty content.
func marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	case *[]byte:
		if t != nil {
			return *t, nil
		}
	case *string:
		if t != nil {
			return []byte(*t), nil
		}
	case encoding.BinaryMarshaler:
		return t.MarshalBinary()
	case encoding.TextMarshaler:
		return t.MarshalText()
	default:
		return nil, fmt.Errorf("handler: cannot encode %T as content", v)
	}
	return nil, nil
}
