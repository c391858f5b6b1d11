package main

import (
	"testing"

	"helios/kernel/mm/vmm"
)

func TestParseAddr(t *testing.T) {
	tests := []struct {
		name    string
		arg     string
		want    uintptr
		wantErr bool
	}{
		{name: "hex", arg: "0xffffffff80000000", want: 0xffffffff80000000},
		{name: "decimal", arg: "4096", want: 4096},
		{name: "octal", arg: "0o777", want: 0o777},
		{name: "garbage", arg: "page-one", wantErr: true},
		{name: "negative", arg: "-1", wantErr: true},
		{name: "empty", arg: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseAddr(tt.arg)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected an error for %q", tt.arg)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected 0x%x, got 0x%x", tt.want, got)
			}
		})
	}
}

func TestLevelBits(t *testing.T) {
	tests := []struct {
		level int
		want  string
	}{
		{0, "39-47"},
		{1, "30-38"},
		{2, "21-29"},
		{3, "12-20"},
		{4, "?"},
		{-1, "?"},
	}

	for _, tt := range tests {
		if got := levelBits(tt.level); got != tt.want {
			t.Fatalf("level %d: expected %q, got %q", tt.level, tt.want, got)
		}
	}
}

func TestEntryFlagNames(t *testing.T) {
	tests := []struct {
		name  string
		flags vmm.PageTableEntryFlag
		want  string
	}{
		{name: "none", flags: 0, want: "none"},
		{name: "leaf", flags: vmm.FlagPresent | vmm.FlagRW, want: "present|rw"},
		{
			name:  "cow user page",
			flags: vmm.FlagPresent | vmm.FlagUserAccessible | vmm.FlagCopyOnWrite,
			want:  "present|user|cow",
		},
		{
			name:  "huge nx",
			flags: vmm.FlagPresent | vmm.FlagHugePage | vmm.FlagNoExecute,
			want:  "present|huge|nx",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := entryFlagNames(tt.flags); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}
