package security

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestInitMasterKeyGeneratesAndReloads(t *testing.T) {
	os.Unsetenv("LOGHIVE_MASTER_KEY")
	keyPath := filepath.Join(t.TempDir(), "master.key")

	generated, err := InitMasterKey(keyPath)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if !generated {
		t.Fatal("first init should generate a key")
	}
	first := make([]byte, len(MasterKey))
	copy(first, MasterKey)

	generated, err = InitMasterKey(keyPath)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if generated {
		t.Fatal("second init should load the existing key")
	}
	if !bytes.Equal(first, MasterKey) {
		t.Fatal("reloaded key differs from generated key")
	}

	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("stat key file: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("key file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestInitMasterKeyFromEnv(t *testing.T) {
	envKey := "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	t.Setenv("LOGHIVE_MASTER_KEY", envKey)

	generated, err := InitMasterKey(filepath.Join(t.TempDir(), "unused.key"))
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if generated {
		t.Fatal("env key should not trigger generation")
	}
	if MasterKey[0] != 0x00 || MasterKey[31] != 0x1f {
		t.Error("env key not decoded correctly")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	os.Unsetenv("LOGHIVE_MASTER_KEY")
	if _, err := InitMasterKey(filepath.Join(t.TempDir(), "master.key")); err != nil {
		t.Fatalf("init: %v", err)
	}

	plain := []byte(`{"initialized":true}`)
	enc, err := Encrypt(plain)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(enc, plain) {
		t.Fatal("ciphertext contains plaintext")
	}

	dec, err := Decrypt(enc)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(dec, plain) {
		t.Fatalf("round trip mismatch: %q", dec)
	}

	// Tampering must be detected
	enc[len(enc)-1] ^= 0xff
	if _, err := Decrypt(enc); err == nil {
		t.Fatal("tampered ciphertext must fail to decrypt")
	}

	if _, err := Decrypt([]byte("short")); err == nil {
		t.Fatal("truncated ciphertext must fail")
	}
}
