// Package fmtt prints error diagnostics for humans.
package fmtt

import (
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/davecgh/go-spew/spew"
)

var dumper = spew.ConfigState{
	Indent:                  "  ",
	DisableMethods:          true,
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	MaxDepth:                3,
}

// PrintErrChain writes every layer of err, joined errors included, with
// its dynamic type. Layers that are structs (not plain wrappers) are also
// dumped field by field.
func PrintErrChain(w io.Writer, err error) {
	if err == nil {
		fmt.Fprintln(w, "<nil>")
		return
	}
	n := 0
	printLayer(w, err, 0, &n)
}

func printLayer(w io.Writer, err error, depth int, n *int) {
	pad := strings.Repeat("  ", depth)
	fmt.Fprintf(w, "%s[%d] %T: %v\n", pad, *n, err, err)
	*n++

	if hasFields(err) {
		for _, line := range strings.Split(strings.TrimRight(dumper.Sdump(err), "\n"), "\n") {
			fmt.Fprintf(w, "%s    %s\n", pad, line)
		}
	}

	switch u := err.(type) {
	case interface{ Unwrap() []error }:
		for _, e := range u.Unwrap() {
			if e != nil {
				printLayer(w, e, depth+1, n)
			}
		}
	case interface{ Unwrap() error }:
		if e := u.Unwrap(); e != nil {
			printLayer(w, e, depth, n)
		}
	}
}

// hasFields: a struct error with exported state beyond a message and a
// wrapped error.
func hasFields(err error) bool {
	rt := reflect.TypeOf(err)
	if rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	if rt.Kind() != reflect.Struct {
		return false
	}
	for i := 0; i < rt.NumField(); i++ {
		if rt.Field(i).IsExported() {
			return true
		}
	}
	return false
}
