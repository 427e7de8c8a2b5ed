package bot

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/Armin-kho/apk-relay-bot/internal/session"
)

// maxRestoreSize caps the downloaded archive; Bot API downloads stop at 20 MB anyway.
const maxRestoreSize = 20 << 20

// restorable lists the archive entries a restore may replace.
var restorable = map[string]bool{configFile: true, stateFile: true}

func backupName(now time.Time) string {
	return "Backup_" + now.Format("02-01-2006") + "_" + now.Format("03:04pm") + ".zip"
}

// buildBackup zips both JSON documents and a snapshot of the history.
func (a *App) buildBackup(ctx context.Context) ([]byte, error) {
	if err := a.store.Save(); err != nil {
		return nil, fmt.Errorf("save config: %w", err)
	}
	if err := a.state.Save(); err != nil {
		return nil, fmt.Errorf("save state: %w", err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	add := func(name, src string) error {
		b, err := os.ReadFile(src)
		if err != nil {
			return err
		}
		w, err := zw.Create(name)
		if err != nil {
			return err
		}
		_, err = w.Write(b)
		return err
	}
	if err := add(configFile, a.configPath); err != nil {
		return nil, err
	}
	if err := add(stateFile, a.statePath); err != nil {
		return nil, err
	}

	snap := filepath.Join(a.dataDir, fmt.Sprintf("backup_%d_%s", time.Now().UnixNano(), historyFile))
	defer os.Remove(snap)
	if err := a.db.BackupTo(ctx, snap); err != nil {
		a.log.Warn("History snapshot failed, backup continues without it", zap.Error(err))
	} else if err := add(historyFile, snap); err != nil {
		return nil, err
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (a *App) sendBackup(ownerID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	data, err := a.buildBackup(ctx)
	if err != nil {
		a.log.Error("Backup failed", zap.Error(err))
		a.send(ownerID, "❌ Backup failed: <code>"+html.EscapeString(err.Error())+"</code>")
		return
	}
	now := time.Now().In(a.cfg.Location())
	doc := tgbotapi.NewDocument(ownerID, tgbotapi.FileBytes{Name: backupName(now), Bytes: data})
	doc.Caption = "📦 Backup " + now.Format("02 Jan 2006 15:04")
	if _, err := a.bot.Send(doc); err != nil {
		a.log.Error("Failed to send backup", zap.Error(err))
		return
	}
	a.log.Info("Backup sent", zap.Int("bytes", len(data)))
}

func (a *App) promptRestore(ownerID int64, msgID int) {
	a.state.Update(ownerID, func(s *session.Session) {
		s.AwaitingZip = true
		s.PendingRestore = ""
	})
	a.editOrSendMenu(ownerID, msgID, "♻️ <b>Restore</b>\n\nSend the backup <code>.zip</code> file now. /cancel to abort.", nil)
}

// receiveRestore holds an uploaded archive until the owner confirms.
func (a *App) receiveRestore(ownerID int64, doc tgbotapi.Document) {
	if !strings.HasSuffix(strings.ToLower(doc.FileName), ".zip") {
		a.send(ownerID, "❌ Please send a <code>.zip</code> backup file.")
		return
	}
	a.state.Update(ownerID, func(s *session.Session) {
		s.AwaitingZip = false
		s.PendingRestore = doc.FileID
	})
	kb := tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("✅ Restore", "rs|yes"),
		tgbotapi.NewInlineKeyboardButtonData("❌ Cancel", "rs|no"),
	))
	a.sendMarkup(ownerID, "⚠️ Restoring replaces the current config and sessions with <code>"+
		html.EscapeString(doc.FileName)+"</code>. Continue?", kb)
}

func (a *App) restoreAction(ctx context.Context, ownerID int64, msgID int, action string) {
	var fileID string
	a.state.Update(ownerID, func(s *session.Session) {
		fileID = s.PendingRestore
		s.PendingRestore = ""
		s.AwaitingZip = false
	})
	if action != "yes" || fileID == "" {
		a.editOrSendMenu(ownerID, msgID, "❌ Restore cancelled.", nil)
		return
	}

	n, err := a.restore(ctx, fileID)
	if err != nil {
		a.log.Error("Restore failed", zap.Error(err))
		a.editOrSendMenu(ownerID, msgID, "❌ Restore failed: <code>"+html.EscapeString(err.Error())+"</code>", nil)
		return
	}
	a.editOrSendMenu(ownerID, msgID, fmt.Sprintf("✅ Restore complete. %d file(s) replaced and reloaded.", n), nil)
}

// restore downloads the archive, writes the known documents and reloads the stores.
func (a *App) restore(ctx context.Context, fileID string) (int, error) {
	url, err := a.fileURL(fileID)
	if err != nil {
		return 0, fmt.Errorf("resolve file: %w", err)
	}
	rc, err := httpGetSimple(ctx, url)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxRestoreSize+1))
	if err != nil {
		return 0, err
	}
	if len(data) > maxRestoreSize {
		return 0, errors.New("archive too large")
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("open zip: %w", err)
	}
	files := map[string][]byte{}
	for _, f := range zr.File {
		name := path.Base(f.Name)
		if !restorable[name] || f.FileInfo().IsDir() {
			continue
		}
		b, err := readZipEntry(f)
		if err != nil {
			return 0, fmt.Errorf("read %s: %w", name, err)
		}
		if !json.Valid(b) {
			return 0, fmt.Errorf("%s is not valid JSON", name)
		}
		files[name] = b
	}
	if len(files) == 0 {
		return 0, fmt.Errorf("archive has neither %s nor %s", configFile, stateFile)
	}

	a.tasks.CancelAll()
	if b, ok := files[configFile]; ok {
		if err := a.store.RestoreFrom(b); err != nil {
			return 0, fmt.Errorf("restore %s: %w", configFile, err)
		}
	}
	if b, ok := files[stateFile]; ok {
		if err := a.state.RestoreFrom(b); err != nil {
			return 0, fmt.Errorf("restore %s: %w", stateFile, err)
		}
	}
	a.relay.Resume()
	a.log.Info("Restored backup", zap.Int("files", len(files)))
	return len(files), nil
}

func readZipEntry(f *zip.File) ([]byte, error) {
	r, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(io.LimitReader(r, maxRestoreSize))
}

func httpGetSimple(ctx context.Context, urlStr string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("download status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return resp.Body, nil
}
