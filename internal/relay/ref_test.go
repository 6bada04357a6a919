package relay

import (
	"testing"

	"saverbot/internal/upstream"
)

func TestParseRef(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		link string
		want upstream.Ref
	}{
		{
			name: "public",
			link: "https://t.me/somechannel/42",
			want: upstream.Ref{ChatName: "somechannel", MessageID: 42, Capability: upstream.CapabilityGeneral},
		},
		{
			name: "public without scheme",
			link: "t.me/somechannel/42",
			want: upstream.Ref{ChatName: "somechannel", MessageID: 42, Capability: upstream.CapabilityGeneral},
		},
		{
			name: "telegram.me host",
			link: "https://telegram.me/somechannel/7",
			want: upstream.Ref{ChatName: "somechannel", MessageID: 7, Capability: upstream.CapabilityGeneral},
		},
		{
			name: "private internal id",
			link: "https://t.me/c/1234567/89",
			want: upstream.Ref{ChatID: -1001234567, MessageID: 89, Capability: upstream.CapabilityPrivileged},
		},
		{
			name: "bot scoped",
			link: "https://t.me/b/somebot/15",
			want: upstream.Ref{ChatName: "somebot", MessageID: 15, Capability: upstream.CapabilityPrivileged},
		},
		{
			name: "album single suffix",
			link: "https://t.me/somechannel/42?single",
			want: upstream.Ref{ChatName: "somechannel", MessageID: 42, Capability: upstream.CapabilityGeneral},
		},
		{
			name: "trailing slash",
			link: "https://t.me/somechannel/42/",
			want: upstream.Ref{ChatName: "somechannel", MessageID: 42, Capability: upstream.CapabilityGeneral},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseRef(tc.link)
			if err != nil {
				t.Fatalf("ParseRef(%q): %v", tc.link, err)
			}
			if got != tc.want {
				t.Fatalf("ParseRef(%q) = %+v, want %+v", tc.link, got, tc.want)
			}
		})
	}
}

func TestParseRefRejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		link string
	}{
		{"empty", ""},
		{"not a link", "hello there"},
		{"wrong host", "https://example.com/chan/1"},
		{"missing message id", "https://t.me/somechannel"},
		{"zero message id", "https://t.me/somechannel/0"},
		{"negative message id", "https://t.me/c/123/-5"},
		{"non numeric internal id", "https://t.me/c/abc/5"},
		{"bad chat name", "https://t.me/so me/5"},
		{"single letter name", "https://t.me/x/5"},
		{"too many segments", "https://t.me/a/b/c/d"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseRef(tc.link)
			if err == nil {
				t.Fatalf("ParseRef(%q): expected error", tc.link)
			}
			if !IsInvalidReference(err) {
				t.Fatalf("ParseRef(%q): expected invalid reference error, got %v", tc.link, err)
			}
		})
	}
}

func TestWithMessageID(t *testing.T) {
	t.Parallel()

	base, err := ParseRef("https://t.me/c/555/10")
	if err != nil {
		t.Fatalf("ParseRef: %v", err)
	}
	next := WithMessageID(base, 11)
	if next.MessageID != 11 {
		t.Fatalf("MessageID = %d, want 11", next.MessageID)
	}
	if next.ChatID != base.ChatID || next.Capability != base.Capability {
		t.Fatalf("chat identity changed: %+v vs %+v", next, base)
	}
	if base.MessageID != 10 {
		t.Fatalf("base mutated: %+v", base)
	}
}
