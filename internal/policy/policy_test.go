/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package policy

import "testing"

func TestOwnerMatch(t *testing.T) {
	tests := []struct {
		name    string
		owners  []string
		caller  string
		admin   string
		want    bool
	}{
		{name: "unrestricted", owners: nil, caller: "x", admin: "admin", want: true},
		{name: "listed", owners: []string{"a", "b"}, caller: "b", admin: "admin", want: true},
		{name: "admin override", owners: []string{"a"}, caller: "admin", admin: "admin", want: true},
		{name: "denied", owners: []string{"a"}, caller: "b", admin: "admin", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := OwnerMatch(tt.owners, tt.caller, tt.admin); got != tt.want {
				t.Fatalf("OwnerMatch = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNicTagCompatible(t *testing.T) {
	if !NicTagCompatible([]string{"external"}, nil) {
		t.Fatal("expected single tag to be compatible")
	}
	if NicTagCompatible([]string{"external", "internal"}, nil) {
		t.Fatal("expected mixed tags with no declaration to be incompatible")
	}
	if !NicTagCompatible([]string{"external", "internal"}, []string{"external", "internal"}) {
		t.Fatal("expected mixed tags to be compatible when declared")
	}
}

func TestNicTagHint(t *testing.T) {
	tag, ambiguous := NicTagHint("", nil, []string{"external"})
	if ambiguous || tag != "external" {
		t.Fatalf("got %q, %v; want external, false", tag, ambiguous)
	}

	_, ambiguous = NicTagHint("", nil, []string{"external", "internal"})
	if !ambiguous {
		t.Fatal("expected ambiguity with multiple pool tags and no hint")
	}

	tag, ambiguous = NicTagHint("internal", nil, []string{"external", "internal"})
	if ambiguous || tag != "internal" {
		t.Fatalf("explicit hint should win: got %q, %v", tag, ambiguous)
	}
}
