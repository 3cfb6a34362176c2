package credential

import (
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "mailsync"

// openKeyring returns a configured keyring instance.
func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/mailsync/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("mailsync-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Get retrieves a credential value by key from the system keyring.
func Get(key string) (string, error) {
	ring, err := openKeyring()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}

	return string(item.Data), nil
}

// Set stores a credential value by key in the system keyring.
func Set(key string, value string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:  key,
		Data: []byte(value),
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}

	return nil
}

// Delete removes a credential by key from the system keyring.
func Delete(key string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	err = ring.Remove(key)
	if err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}

	return nil
}

// IncomingPassword returns the stored password for an account's incoming
// (IMAP/POP3) server.
func IncomingPassword(accountID string) (string, error) {
	return Get(accountID + "/incoming")
}

// OutgoingPassword returns the stored password for an account's outgoing
// (SMTP) server.
func OutgoingPassword(accountID string) (string, error) {
	return Get(accountID + "/outgoing")
}

// SetIncomingPassword stores the password for an account's incoming server.
func SetIncomingPassword(accountID, password string) error {
	return Set(accountID+"/incoming", password)
}

// SetOutgoingPassword stores the password for an account's outgoing server.
func SetOutgoingPassword(accountID, password string) error {
	return Set(accountID+"/outgoing", password)
}

// DeleteAccount removes all credentials stored for an account.
func DeleteAccount(accountID string) error {
	if err := Delete(accountID + "/incoming"); err != nil {
		return err
	}
	return Delete(accountID + "/outgoing")
}
