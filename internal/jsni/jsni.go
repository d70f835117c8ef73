// Package jsni checks and compacts script payloads before they are shipped
// to a client with LoadJsni.
package jsni

import (
	"errors"
	"fmt"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

var ErrSyntax = errors.New("jsni: syntax error")

// Preparer runs every payload through esbuild's JS transform. Identifiers
// are never renamed; the client resolves globals by name.
type Preparer struct {
	Minify bool
}

func (p Preparer) Prepare(src string) (string, error) {
	res := api.Transform(src, api.TransformOptions{
		Loader:            api.LoaderJS,
		MinifyWhitespace:  p.Minify,
		MinifySyntax:      p.Minify,
		MinifyIdentifiers: false,
	})
	if len(res.Errors) > 0 {
		return "", fmt.Errorf("%w: %s", ErrSyntax, describe(res.Errors))
	}
	return string(res.Code), nil
}

func describe(msgs []api.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Location != nil {
			parts = append(parts, fmt.Sprintf("%d:%d %s", m.Location.Line, m.Location.Column, m.Text))
			continue
		}
		parts = append(parts, m.Text)
	}
	return strings.Join(parts, "; ")
}
