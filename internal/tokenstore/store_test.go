package tokenstore

import (
	"context"
	"errors"
	"testing"

	"github.com/spf13/afero"

	"tenantgate.org/internal/auth"
)

func backends(t *testing.T) map[string]func() KV {
	t.Helper()
	fs := afero.NewMemMapFs()
	return map[string]func() KV{
		"memory": func() KV { return NewMemory() },
		"file":   func() KV { return NewFile(fs, "/cfg/tenantgate/session.json", t.Name()) },
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := New(mk())

			got, err := s.Get(ctx)
			if err != nil || got != nil {
				t.Fatalf("expected empty store, got %+v err=%v", got, err)
			}

			if err := s.Set(ctx, auth.Credential{Token: "T1", RefreshToken: "R1"}); err != nil {
				t.Fatalf("Set: %v", err)
			}
			got, err = s.Get(ctx)
			if err != nil || got == nil || got.Token != "T1" || got.RefreshToken != "R1" {
				t.Fatalf("unexpected credential %+v err=%v", got, err)
			}

			if err := s.Set(ctx, auth.Credential{Token: "T2"}); err != nil {
				t.Fatalf("Set: %v", err)
			}
			got, _ = s.Get(ctx)
			if got.Token != "T2" || got.RefreshToken != "" {
				t.Fatalf("stale refresh token survived replacement: %+v", got)
			}

			if err := s.Clear(ctx); err != nil {
				t.Fatalf("Clear: %v", err)
			}
			got, err = s.Get(ctx)
			if err != nil || got != nil {
				t.Fatalf("expected nil after clear, got %+v err=%v", got, err)
			}
		})
	}
}

func TestFailedSetKeepsPreviousPair(t *testing.T) {
	ctx := context.Background()
	base := afero.NewMemMapFs()
	const path = "/cfg/tenantgate/session.json"
	if err := New(NewFile(base, path, "default")).Set(ctx, auth.Credential{Token: "T1", RefreshToken: "R1"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	s := New(NewFile(afero.NewReadOnlyFs(base), path, "default"))
	if err := s.Set(ctx, auth.Credential{Token: "T2"}); err == nil {
		t.Fatalf("expected write to fail on a read-only filesystem")
	}
	got, err := s.Get(ctx)
	if err != nil || got == nil || got.Token != "T1" || got.RefreshToken != "R1" {
		t.Fatalf("credential pair changed after failed write: %+v err=%v", got, err)
	}
}

func TestStoreOrganization(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := New(mk())

			org := auth.Organization{ID: "1", Name: "Acme", Prefix: "acme", Icon: "acme.png", IsSuperAdmin: true}
			if err := s.SetOrganization(ctx, org); err != nil {
				t.Fatalf("SetOrganization: %v", err)
			}
			got, err := s.Organization(ctx)
			if err != nil || got == nil || *got != org {
				t.Fatalf("unexpected organization %+v err=%v", got, err)
			}

			if err := s.Clear(ctx); err != nil {
				t.Fatalf("Clear: %v", err)
			}
			if got, _ := s.Organization(ctx); got == nil {
				t.Fatalf("credential clear must not touch organization")
			}

			if err := s.ClearOrganization(ctx); err != nil {
				t.Fatalf("ClearOrganization: %v", err)
			}
			if got, _ := s.Organization(ctx); got != nil {
				t.Fatalf("expected nil organization, got %+v", got)
			}
		})
	}
}

func TestStoreRejectsEmptyCredential(t *testing.T) {
	s := New(NewMemory())
	if err := s.Set(context.Background(), auth.Credential{}); !errors.Is(err, auth.ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}
}

func TestFileSurvivesReopenAndIsolatesProfiles(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	path := "/home/u/.config/tenantgate/session.json"

	first := New(NewFile(fs, path, "prod"))
	if err := first.Set(ctx, auth.Credential{Token: "prod-token"}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	reopened := New(NewFile(fs, path, "prod"))
	got, err := reopened.Get(ctx)
	if err != nil || got == nil || got.Token != "prod-token" {
		t.Fatalf("credential did not survive reopen: %+v err=%v", got, err)
	}

	other := New(NewFile(fs, path, "staging"))
	if got, _ := other.Get(ctx); got != nil {
		t.Fatalf("profiles leaked: %+v", got)
	}

	info, err := fs.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 permissions, got %v", info.Mode().Perm())
	}
}

func TestFileCorruptDocument(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/s.json", []byte("{not json"), 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}
	s := New(NewFile(fs, "/s.json", ""))
	if _, err := s.Get(context.Background()); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}
