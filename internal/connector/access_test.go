package connector

import "testing"

func TestAllowed(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		msg    InboundMessage
		policy AccessPolicy
		want   bool
	}{
		{
			name: "open private allows anyone",
			msg:  InboundMessage{ConversationType: ConversationPrivate, SenderID: "u1"},
			policy: AccessPolicy{
				Private: AccessOpen,
				Group:   AccessAllowlist,
			},
			want: true,
		},
		{
			name: "unset mode defaults to open",
			msg:  InboundMessage{ConversationType: ConversationPrivate, SenderID: "u1"},
			want: true,
		},
		{
			name: "private allowlist matches sender",
			msg:  InboundMessage{ConversationType: ConversationPrivate, SenderID: "u1"},
			policy: AccessPolicy{
				Private:   AccessAllowlist,
				Allowlist: []string{"u1", "cid9"},
			},
			want: true,
		},
		{
			name: "private allowlist rejects unknown sender",
			msg:  InboundMessage{ConversationType: ConversationPrivate, SenderID: "u2"},
			policy: AccessPolicy{
				Private:   AccessAllowlist,
				Allowlist: []string{"u1"},
			},
			want: false,
		},
		{
			name: "group allowlist matches conversation not sender",
			msg: InboundMessage{
				ConversationType: ConversationGroup,
				ConversationID:   "cid9",
				SenderID:         "stranger",
			},
			policy: AccessPolicy{
				Group:     AccessAllowlist,
				Allowlist: []string{"cid9"},
			},
			want: true,
		},
		{
			name: "group allowlist rejects other conversations",
			msg: InboundMessage{
				ConversationType: ConversationGroup,
				ConversationID:   "cid2",
				SenderID:         "u1",
			},
			policy: AccessPolicy{
				Group:     AccessAllowlist,
				Allowlist: []string{"cid9", "u1"},
			},
			want: false,
		},
		{
			name: "empty allowlist denies everything in allowlist mode",
			msg:  InboundMessage{ConversationType: ConversationPrivate, SenderID: "u1"},
			policy: AccessPolicy{
				Private: AccessAllowlist,
			},
			want: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Allowed(tc.msg, tc.policy); got != tc.want {
				t.Fatalf("Allowed() = %v, want %v", got, tc.want)
			}
		})
	}
}
