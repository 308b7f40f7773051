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
	"reflect"
	"testing"
)

func TestParseAccept(t *testing.T) {
	for i, tc := range []struct {
		input     string
		expect    acceptHeader
		shouldErr bool
	}{
		{
			input: "application/json",
			expect: acceptHeader{
				{mimeType: "application/json", weight: 1},
			},
		},
		{
			// curl's default
			input: "*/*",
			expect: acceptHeader{
				{mimeType: "*/*", weight: 1},
			},
		},
		{
			input: "text/plain;charset=utf-8;q=0.9, application/json;q=0.5, */*;q=0.1",
			expect: acceptHeader{
				{mimeType: "text/plain", weight: 0.9},
				{mimeType: "application/json", weight: 0.5},
				{mimeType: "*/*", weight: 0.1},
			},
		},
		{
			input: "text/*;q=0.8,Application/JSON",
			expect: acceptHeader{
				{mimeType: "application/json", weight: 1},
				{mimeType: "text/*", weight: 0.8},
			},
		},
		{
			input:     "text/plain;q=x",
			shouldErr: true,
		},
		{
			input:     "text/plain;q=2",
			shouldErr: true,
		},
	} {
		actual, err := parseAccept(tc.input)
		if err != nil {
			if !tc.shouldErr {
				t.Errorf("test %d: expected no error, but got one: %v", i, err)
			}
			continue
		}
		if tc.shouldErr {
			t.Errorf("test %d: expected an error, but got %v", i, actual)
		}
		if !reflect.DeepEqual(actual, tc.expect) {
			t.Errorf("test %d: expected %v but got %v", i, tc.expect, actual)
		}
	}
}

func TestAcceptPreference(t *testing.T) {
	offers := []string{"application/json", "text/plain"}
	for i, tc := range []struct {
		accept string
		expect string
	}{
		{accept: "*/*", expect: "application/json"},
		{accept: "text/plain", expect: "text/plain"},
		{accept: "text/*", expect: "text/plain"},
		{accept: "application/json;q=0.2, text/plain", expect: "text/plain"},
		{accept: "text/plain;q=0, */*", expect: "application/json"},
		{accept: "image/png", expect: ""},
	} {
		acc, err := parseAccept(tc.accept)
		if err != nil {
			t.Fatalf("test %d: %v", i, err)
		}
		if actual := acc.preference(offers...); actual != tc.expect {
			t.Errorf("test %d: expected '%s' but got '%s'", i, tc.expect, actual)
		}
	}
}
