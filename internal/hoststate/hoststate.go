// Package hoststate persists the three host-identity secrets described in
// spec.md section 3: the host ID, the TOTP secret, and the session signing
// secret. Each is a single file under the workspace directory with
// restrictive permissions, written atomically via temp-file-then-rename —
// generalized from the teacher's registration.saveRegistration, which wrote
// its JSON registration file directly with os.WriteFile(...,0o600) but
// without the rename step this spec's "atomic write-and-rename" invariant
// requires.
package hoststate

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"math/big"
	"os"
	"path/filepath"

	"github.com/pquerna/otp/totp"
)

const (
	hostIDFile      = ".vibe-coder-host-id"
	totpSecretFile  = ".vibe-coder-totp-secret"
	sessionSecretFile = ".vibe-coder-session-secret"

	hostIDIssuer = "vibe-coder"
)

// State holds the three persisted secrets for one host run.
type State struct {
	WorkspacePath string
	HostID        string
	TOTPSecret    string
	SessionSecret string
}

// Load reads the three state files from the workspace directory, generating
// and persisting any that are missing (first-run behavior per spec.md
// section 3: "Created on first run").
func Load(workspacePath string) (*State, error) {
	s := &State{WorkspacePath: workspacePath}

	hostID, err := readOrCreate(workspacePath, hostIDFile, generateHostID)
	if err != nil {
		return nil, fmt.Errorf("loading host id: %w", err)
	}
	s.HostID = hostID

	totpSecret, err := readOrCreate(workspacePath, totpSecretFile, func() (string, error) {
		return generateTOTPSecret(hostID)
	})
	if err != nil {
		return nil, fmt.Errorf("loading totp secret: %w", err)
	}
	s.TOTPSecret = totpSecret

	sessionSecret, err := readOrCreate(workspacePath, sessionSecretFile, generateSessionSecret)
	if err != nil {
		return nil, fmt.Errorf("loading session secret: %w", err)
	}
	s.SessionSecret = sessionSecret

	return s, nil
}

// RenewHostID generates a fresh host identity and persists it atomically,
// per spec.md section 4.2's renewHostId() operation. The TOTP secret and
// session secret are left untouched; callers are responsible for clearing
// the session table.
func (s *State) RenewHostID() (string, error) {
	newID, err := generateHostID()
	if err != nil {
		return "", fmt.Errorf("generating new host id: %w", err)
	}
	if err := writeAtomic(s.WorkspacePath, hostIDFile, newID); err != nil {
		return "", fmt.Errorf("persisting new host id: %w", err)
	}
	s.HostID = newID
	return newID, nil
}

func readOrCreate(workspacePath, name string, gen func() (string, error)) (string, error) {
	path := filepath.Join(workspacePath, name)
	data, err := os.ReadFile(path)
	if err == nil {
		return string(data), nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}

	value, err := gen()
	if err != nil {
		return "", err
	}
	if err := writeAtomic(workspacePath, name, value); err != nil {
		return "", err
	}
	return value, nil
}

// writeAtomic writes value to a temp file in workspacePath and renames it
// over the target, so a crash mid-write never leaves a truncated secret.
func writeAtomic(workspacePath, name, value string) error {
	if err := os.MkdirAll(workspacePath, 0o700); err != nil {
		return fmt.Errorf("creating workspace directory: %w", err)
	}

	target := filepath.Join(workspacePath, name)
	tmp, err := os.CreateTemp(workspacePath, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(value); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file to %s: %w", target, err)
	}
	return nil
}

// generateHostID produces an 8-decimal-digit string via a CSPRNG, per
// spec.md section 3's Host Identity definition.
func generateHostID() (string, error) {
	max := big.NewInt(100000000) // 10^8
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generating random host id: %w", err)
	}
	return fmt.Sprintf("%08d", n.Int64()), nil
}

// generateTOTPSecret produces a base-32 secret of at least 16 characters,
// bound to the host ID for display purposes (issuer label).
func generateTOTPSecret(hostID string) (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      hostIDIssuer,
		AccountName: hostID,
		SecretSize:  20,
	})
	if err != nil {
		return "", fmt.Errorf("generating totp secret: %w", err)
	}
	return key.Secret(), nil
}

// generateSessionSecret produces a >=32-character random string used to sign
// bearer tokens.
func generateSessionSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating session secret: %w", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf), nil
}
