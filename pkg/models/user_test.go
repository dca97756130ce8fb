package models

import (
	"encoding/json"
	"testing"
)

func TestPlanIsFree(t *testing.T) {
	tests := []struct {
		plan Plan
		want bool
	}{
		{"", true},
		{"Free", true},
		{"free", true},
		{"Pro", false},
		{"Enterprise", false},
	}
	for _, tt := range tests {
		if got := tt.plan.IsFree(); got != tt.want {
			t.Errorf("Plan(%q).IsFree() = %v, want %v", tt.plan, got, tt.want)
		}
	}
}

func TestRoleIsAdmin(t *testing.T) {
	if !RoleAdmin.IsAdmin() || !RoleSuperAdmin.IsAdmin() || !Role("ADMIN").IsAdmin() {
		t.Fatal("expected admin roles to be admin")
	}
	if RoleUser.IsAdmin() || Role("manager").IsAdmin() {
		t.Fatal("expected non-admin roles to be rejected")
	}
}

func TestUserActive(t *testing.T) {
	var nilUser *User
	if nilUser.Active() {
		t.Fatal("nil user should not be active")
	}
	if !(&User{ID: "u1"}).Active() {
		t.Fatal("user without status should be active")
	}
	if (&User{ID: "u1", Status: UserStatusSuspended}).Active() {
		t.Fatal("suspended user should not be active")
	}
}

func TestNotificationPreferences(t *testing.T) {
	prefs := NotificationPreferences{
		"mention":               false,
		"new_order_sms":         false,
		"new_order_email":       true,
		"team_invite_websocket": false,
	}
	if !prefs.TypeDisabled(TypeMention) {
		t.Fatal("expected mention to be disabled")
	}
	if prefs.TypeDisabled(TypeNewOrder) {
		t.Fatal("new_order should not be disabled")
	}
	if !prefs.ChannelDisabled(TypeNewOrder, ChannelSMS) {
		t.Fatal("expected new_order sms to be disabled")
	}
	if prefs.ChannelDisabled(TypeNewOrder, ChannelEmail) {
		t.Fatal("new_order email should stay enabled")
	}
	if !prefs.ChannelDisabled(TypeTeamInvite, ChannelRealtime) {
		t.Fatal("legacy websocket key should disable realtime")
	}

	var empty NotificationPreferences
	if empty.TypeDisabled(TypeMention) || empty.ChannelDisabled(TypeMention, ChannelEmail) {
		t.Fatal("nil preferences should disable nothing")
	}
}

func TestParseChannelAliases(t *testing.T) {
	tests := map[string]Channel{
		"realtime":  ChannelRealtime,
		"websocket": ChannelRealtime,
		"EMAIL":     ChannelEmail,
		" sms ":     ChannelSMS,
		"push":      ChannelPush,
		"in_app":    ChannelInApp,
	}
	for input, want := range tests {
		got, err := ParseChannel(input)
		if err != nil {
			t.Fatalf("ParseChannel(%q) error = %v", input, err)
		}
		if got != want {
			t.Fatalf("ParseChannel(%q) = %q, want %q", input, got, want)
		}
	}
	if _, err := ParseChannel("fax"); err == nil {
		t.Fatal("expected error for unknown channel")
	}
}

func TestNotificationRequestDecodesChannelAliases(t *testing.T) {
	raw := `{"targetUserId":"u1","type":"mention","title":"t","message":"m","channels":["websocket","inapp"]}`
	var req NotificationRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(req.Channels) != 2 || req.Channels[0] != ChannelRealtime || req.Channels[1] != ChannelInApp {
		t.Fatalf("unexpected channels: %v", req.Channels)
	}

	if err := json.Unmarshal([]byte(`{"channels":["pager"]}`), &req); err == nil {
		t.Fatal("expected error for unknown channel")
	}
}

func TestUserPublicView(t *testing.T) {
	user := &User{ID: "u1", Name: "Ada", Email: "ada@example.com", Role: RoleAdmin, Plan: PlanPro, OrganizationID: "42"}
	view := user.Public()
	if view.ID != "u1" || view.Name != "Ada" || view.OrganizationID != "42" || view.Plan != PlanPro {
		t.Fatalf("unexpected public view: %+v", view)
	}
	data, err := json.Marshal(view)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if _, ok := decoded["email"]; ok {
		t.Fatal("public view must not expose email")
	}
}
