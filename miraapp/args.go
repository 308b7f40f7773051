/*
	Timelinize
	Copyright (c) 2013 Matthew Holt

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package miraapp

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// flagValPair associates a flag with its value.
type flagValPair struct {
	flag string
	val  any
}

// flagValPairs pairs each flag in args with the value after it. A flag
// followed by another flag (or nothing) is boolean true. "--flag=value"
// is also accepted. A value that starts with "[" opens a list which runs
// until an argument ending in "]".
func flagValPairs(args []string) []flagValPair {
	var pairs []flagValPair

	var flag string
	for i := 0; i < len(args); i++ {
		arg := args[i]

		if isFlag(arg) {
			if flag != "" {
				pairs = append(pairs, flagValPair{flag: flag, val: true})
			}
			if name, val, ok := strings.Cut(arg, "="); ok {
				pairs = append(pairs, flagValPair{flag: name, val: autoType(val)})
				flag = ""
				continue
			}
			flag = arg
			continue
		}

		var val any
		if rest, ok := strings.CutPrefix(arg, "["); ok {
			vals := []any{}
			for j := i; j < len(args); j++ {
				elem := args[j]
				if j == i {
					elem = rest
				}
				if trimmed, ok := strings.CutSuffix(elem, "]"); ok {
					if trimmed != "" {
						vals = append(vals, autoType(trimmed))
					}
					i = j
					break
				}
				if elem != "" {
					vals = append(vals, autoType(elem))
				}
				i = j
			}
			val = vals
		} else {
			val = autoType(arg)
		}

		pairs = append(pairs, flagValPair{flag: flag, val: val})
		flag = ""
	}

	if flag != "" {
		pairs = append(pairs, flagValPair{flag: flag, val: true})
	}

	return pairs
}

// isFlag returns whether s looks like a flag argument. Negative numbers
// such as coordinates are never flags.
func isFlag(s string) bool {
	return len(s) > 2 && s[:2] == "--"
}

// autoType returns the value of str in its JSON type.
func autoType(str string) any {
	switch strings.ToLower(strings.TrimSpace(str)) {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if num, err := strconv.Atoi(strings.TrimSpace(str)); err == nil {
		return num
	}
	if dec, err := strconv.ParseFloat(strings.TrimSpace(str), 64); err == nil {
		return dec
	}
	return str
}

// sanitizeFlag turns a flag like "--keep-partial" into "keep_partial".
func sanitizeFlag(s string) string {
	name := strings.TrimLeft(s, "-")
	return strings.ReplaceAll(name, "-", "_")
}

// makeJSON encodes command line args as a JSON request body. A single
// non-flag argument is encoded as a plain value; several non-flag
// arguments become a list; flags become object keys, where dots nest
// objects and "[n]" indexes lists (e.g. "--date.year 2024").
func makeJSON(args []string) ([]byte, error) {
	if len(args) == 0 {
		return nil, nil
	}

	if !isFlag(args[0]) {
		if len(args) == 1 {
			return json.Marshal(autoType(args[0]))
		}
		vals := make([]any, 0, len(args))
		for _, arg := range args {
			if isFlag(arg) {
				return nil, fmt.Errorf("cannot mix positional arguments and flags: %s", arg)
			}
			vals = append(vals, autoType(arg))
		}
		return json.Marshal(vals)
	}

	var obj any
	for _, pair := range flagValPairs(args) {
		if pair.flag == "" {
			return nil, fmt.Errorf("value %v is not preceded by a flag", pair.val)
		}
		var err error
		obj, err = traverse(obj, flagPath(sanitizeFlag(pair.flag)), pair.val)
		if err != nil {
			return nil, err
		}
	}

	return json.Marshal(obj)
}

// flagPath splits a flag name into object keys and list indexes, so that
// "files[0].name" becomes ["files", "[0]", "name"].
func flagPath(name string) []string {
	var path []string
	for part := range strings.SplitSeq(name, ".") {
		for {
			k := strings.Index(part, "[")
			if k <= 0 || !strings.HasSuffix(part, "]") {
				break
			}
			path = append(path, part[:k])
			part = part[k:]
		}
		// consecutive indexes like "[0][1]"
		for strings.HasPrefix(part, "[") {
			end := strings.Index(part, "]")
			if end < 0 || end == len(part)-1 {
				break
			}
			path = append(path, part[:end+1])
			part = part[end+1:]
		}
		path = append(path, part)
	}
	return path
}

// traverse sets val at path inside obj, creating maps for object keys and
// slices for list indexes as needed, and returns the updated obj.
func traverse(obj any, path []string, val any) (any, error) {
	if len(path) == 0 {
		return val, nil
	}
	part := path[0]

	if len(part) > 1 && part[0] == '[' && part[len(part)-1] == ']' {
		idx, err := strconv.Atoi(part[1 : len(part)-1])
		if err != nil || idx < 0 {
			return obj, fmt.Errorf("invalid list index %s", part)
		}
		if obj == nil {
			obj = []any{}
		}
		list, ok := obj.([]any)
		if !ok {
			return obj, fmt.Errorf("inconsistent structure: expected a list at %s but got %T", part, obj)
		}
		if len(list) <= idx {
			list = append(list, make([]any, idx-len(list)+1)...)
		}
		list[idx], err = traverse(list[idx], path[1:], val)
		return list, err
	}

	if obj == nil {
		obj = make(map[string]any)
	}
	m, ok := obj.(map[string]any)
	if !ok {
		return obj, fmt.Errorf("inconsistent structure: expected an object at %s but got %T", part, obj)
	}
	var err error
	m[part], err = traverse(m[part], path[1:], val)
	return m, err
}
