package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/averdin/refinery/internal/maildelivery"
)

func TestSMTPSetupWritesBlobToStdout(t *testing.T) {
	cmd := newSMTPSetupCmd()
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetIn(strings.NewReader("mailer\nsw0rdfish\n"))

	if err := runSMTPSetup(cmd, ""); err != nil {
		t.Fatalf("smtp-setup failed: %v", err)
	}

	var creds maildelivery.Credentials
	if err := json.Unmarshal(out.Bytes(), &creds); err != nil {
		t.Fatalf("decode blob: %v", err)
	}
	if creds.Username != "mailer" || creds.Password != "sw0rdfish" {
		t.Errorf("creds = %+v", creds)
	}
}

func TestSMTPSetupWritesBlobToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "smtp.blob")
	cmd := newSMTPSetupCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetIn(strings.NewReader("mailer\nsecret\n"))

	if err := runSMTPSetup(cmd, path); err != nil {
		t.Fatalf("smtp-setup failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("blob mode = %o, want 0600", info.Mode().Perm())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var creds maildelivery.Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		t.Fatalf("decode blob: %v", err)
	}
	if creds.Password != "secret" {
		t.Errorf("creds = %+v", creds)
	}
}

func TestReadStartupBlob(t *testing.T) {
	blob, err := readStartupBlob(strings.NewReader(`{"username":"u","password":"p"}` + "\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(blob) == 0 {
		t.Fatal("expected a blob")
	}

	blob, err = readStartupBlob(strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	if blob != nil {
		t.Errorf("blob = %q, want nil for empty stdin", blob)
	}
}

func TestReadCredentials(t *testing.T) {
	cmd := newMaildeliveryCmd()
	cmd.SetIn(strings.NewReader(`{"username":"mailer","password":"secret"}` + "\n"))
	creds, err := readCredentials(cmd)
	if err != nil {
		t.Fatal(err)
	}
	if creds == nil || creds.Username != "mailer" {
		t.Errorf("creds = %+v", creds)
	}

	cmd = newMaildeliveryCmd()
	cmd.SetIn(strings.NewReader(""))
	creds, err = readCredentials(cmd)
	if err != nil {
		t.Fatal(err)
	}
	if creds != nil {
		t.Errorf("creds = %+v, want nil without a blob", creds)
	}
}
