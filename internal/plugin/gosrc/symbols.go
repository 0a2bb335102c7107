// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plexus Contributors

package gosrc

import (
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// allowedPackages lists the standard-library packages interpreted plugins may
// import, keyed the way yaegi keys its symbol table ("importPath/pkgName").
// Nothing that touches the process, filesystem, or network is on the list.
var allowedPackages = []string{
	"bytes/bytes",
	"encoding/json/json",
	"errors/errors",
	"fmt/fmt",
	"math/big/big",
	"math/math",
	"math/rand/rand",
	"regexp/regexp",
	"sort/sort",
	"strconv/strconv",
	"strings/strings",
	"time/time",
	"unicode/utf8/utf8",
}

var (
	symbolsOnce sync.Once
	symbols     interp.Exports
)

// hostSymbols returns the restricted symbol table seeded into every plugin
// interpreter. The table is built from yaegi's stdlib exports once per
// process, on the first load of any Go plugin, and shared by all later loads.
func hostSymbols() interp.Exports {
	symbolsOnce.Do(func() {
		symbols = make(interp.Exports, len(allowedPackages))
		for _, key := range allowedPackages {
			if syms, ok := stdlib.Symbols[key]; ok {
				symbols[key] = syms
			}
		}
	})
	return symbols
}
