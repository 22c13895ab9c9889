package secrets

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
)

// VerifyAll attempts to decrypt every stored secret to confirm km unwraps
// them correctly, returning the first failure with the secret's name so a
// corrupted or mismatched master key is reported. Nothing in the runtime
// calls it; it runs only when invoked directly.
func VerifyAll(ctx context.Context, db *sql.DB, km KeyManager) error {
	rows, err := db.QueryContext(ctx, `SELECT name, nonce, value FROM secrets`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name, nonceB64 string
		var ct []byte
		if err := rows.Scan(&name, &nonceB64, &ct); err != nil {
			return err
		}
		nonce, err := base64.StdEncoding.DecodeString(nonceB64)
		if err != nil {
			return fmt.Errorf("decode nonce for %s: %w", name, err)
		}
		if _, err := km.Decrypt(nonce, ct); err != nil {
			return fmt.Errorf("decrypt %s: %w", name, err)
		}
	}
	return rows.Err()
}
