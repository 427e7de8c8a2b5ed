package db

import (
	"context"
	"encoding/json"
	"time"
)

// UserPosts lists the newest live posts of a user.
func (d *DB) UserPosts(ctx context.Context, userID int64, limit int) ([]Post, error) {
	rows, err := d.sql.QueryContext(ctx,
		`SELECT post_id,user_id,method,channel,message_ids,file_count,key,style,link,deleted,created_at
		 FROM posts WHERE user_id=? AND deleted=0 ORDER BY created_at DESC, rowid DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Post
	for rows.Next() {
		var p Post
		var ids string
		var deleted int
		var created int64
		if err := rows.Scan(&p.ID, &p.UserID, &p.Method, &p.Channel, &ids, &p.FileCount, &p.Key, &p.Style, &p.Link, &deleted, &created); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(ids), &p.MessageIDs)
		p.Deleted = deleted == 1
		p.CreatedAt = time.Unix(created, 0)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ChannelCount is the number of posts and files published to one channel.
type ChannelCount struct {
	Channel string
	Posts   int
	Files   int
}

// TopChannels groups live posts made since the given time by channel.
func (d *DB) TopChannels(ctx context.Context, since time.Time, limit int) ([]ChannelCount, error) {
	rows, err := d.sql.QueryContext(ctx,
		`SELECT channel, COUNT(1), COALESCE(SUM(file_count),0) FROM posts
		 WHERE deleted=0 AND created_at>=? GROUP BY channel ORDER BY COUNT(1) DESC, channel LIMIT ?`,
		since.Unix(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChannelCount
	for rows.Next() {
		var c ChannelCount
		if err := rows.Scan(&c.Channel, &c.Posts, &c.Files); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
