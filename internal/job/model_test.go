package job

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestIsTerminal(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status   Status
		terminal bool
	}{
		{"", false},
		{StatusPending, false},
		{StatusSuccess, true},
		{StatusFailed, true},
	}
	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.terminal {
			t.Errorf("Status(%q).IsTerminal() = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestMarshal_StartedAtFirst(t *testing.T) {
	t.Parallel()
	r := &Record{StartedAt: 1700000000, ID: "a", UserID: "u", Status: StatusPending}
	data, err := r.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.HasPrefix(data, []byte(`{"started_at":1700000000,`)) {
		t.Errorf("encoding = %s, want started_at as first field", data)
	}
	if bytes.Contains(data, []byte(`"message"`)) {
		t.Errorf("encoding = %s, message should be omitted while empty", data)
	}
}

func TestUnmarshal_EmptyStatusIsPending(t *testing.T) {
	t.Parallel()
	r, err := Unmarshal([]byte(`{"started_at":1,"id":"a","user_id":"u","status":""}`))
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if r.Status != StatusPending {
		t.Errorf("Status = %q, want %q", r.Status, StatusPending)
	}
}

func TestTransition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		from        Status
		to          Status
		wantChanged bool
		wantErr     error
	}{
		{"pending to success", StatusPending, StatusSuccess, true, nil},
		{"pending to failed", StatusPending, StatusFailed, true, nil},
		{"empty to failed", "", StatusFailed, true, nil},
		{"pending to pending", StatusPending, StatusPending, false, nil},
		{"success repeated", StatusSuccess, StatusSuccess, false, nil},
		{"failed repeated", StatusFailed, StatusFailed, false, nil},
		{"success to failed", StatusSuccess, StatusFailed, false, ErrTerminal},
		{"failed to success", StatusFailed, StatusSuccess, false, ErrTerminal},
		{"failed to pending", StatusFailed, StatusPending, false, ErrTerminal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cur := &Record{Status: tt.from}
			changed, err := cur.Transition(&Record{Status: tt.to, Message: "boom"})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if changed != tt.wantChanged {
				t.Errorf("changed = %v, want %v", changed, tt.wantChanged)
			}
		})
	}
}

func TestTransition_UnknownStatus(t *testing.T) {
	t.Parallel()
	cur := &Record{Status: StatusPending}
	if _, err := cur.Transition(&Record{Status: "cancelled"}); err == nil {
		t.Fatal("expected error for unknown status, got nil")
	}
	if cur.Status != StatusPending {
		t.Errorf("Status = %q, want unchanged pending", cur.Status)
	}
}

func TestTransition_MessageOnlyOnFailure(t *testing.T) {
	t.Parallel()
	failed := &Record{Status: StatusPending}
	if _, err := failed.Transition(&Record{Status: StatusFailed, Message: "ffmpeg died"}); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if failed.Message != "ffmpeg died" {
		t.Errorf("Message = %q, want %q", failed.Message, "ffmpeg died")
	}

	ok := &Record{Status: StatusPending}
	if _, err := ok.Transition(&Record{Status: StatusSuccess, Message: "ignored"}); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if ok.Message != "" {
		t.Errorf("Message = %q, want empty on success", ok.Message)
	}
}

func TestExpired(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r := &Record{StartedAt: start.Unix()}
	if r.Expired(start.Add(59*time.Minute), time.Hour) {
		t.Error("record expired inside its window")
	}
	if !r.Expired(start.Add(time.Hour), time.Hour) {
		t.Error("record not expired at the end of its window")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	valid := SubmitRequest{
		URL:        "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
		Credential: "ya29.token",
		UserID:     "1234567890",
	}

	tests := []struct {
		name    string
		mutate  func(r *SubmitRequest)
		wantErr bool
	}{
		{"valid", func(r *SubmitRequest) {}, false},
		{"valid with folder", func(r *SubmitRequest) { r.FolderID, r.FolderName = "abc", "Music" }, false},
		{"empty url", func(r *SubmitRequest) { r.URL = "" }, true},
		{"not a url", func(r *SubmitRequest) { r.URL = "watch?v=1" }, true},
		{"missing credential", func(r *SubmitRequest) { r.Credential = "" }, true},
		{"missing user", func(r *SubmitRequest) { r.UserID = "" }, true},
		{"user with key separator", func(r *SubmitRequest) { r.UserID = "a:b" }, true},
		{"user with glob", func(r *SubmitRequest) { r.UserID = "a*" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := valid
			tt.mutate(&r)
			err := r.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() error = %v, want ErrInvalid", err)
			}
		})
	}
}
