package db

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// BackupTo writes a consistent snapshot of the history to dstPath with VACUUM INTO.
// An existing file at dstPath is replaced.
func (d *DB) BackupTo(ctx context.Context, dstPath string) error {
	if err := os.Remove(dstPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	escaped := strings.ReplaceAll(dstPath, "'", "''")
	_, err := d.sql.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s';", escaped))
	return err
}
