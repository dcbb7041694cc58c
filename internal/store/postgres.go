package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"missiontrack/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate applies embedded migrations that are not yet recorded in schema_migrations.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version text PRIMARY KEY, applied_at timestamptz NOT NULL DEFAULT now())`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version=$1)`, name).Scan(&exists); err != nil {
			return err
		}
		if exists {
			continue
		}
		body, err := migrationsFS.ReadFile(name)
		if err != nil {
			return err
		}
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, name); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

const missionColumns = `id, COALESCE(reference,''), COALESCE(driver_id,''), status, pickup, delivery, zones, last_seq, last_position, history, progress, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMission(row rowScanner) (model.Mission, error) {
	var m model.Mission
	var status string
	var pickup, delivery, zones, lastSeq, history []byte
	var lastPos, progress []byte
	if err := row.Scan(&m.ID, &m.Reference, &m.DriverID, &status, &pickup, &delivery, &zones, &lastSeq, &lastPos, &history, &progress, &m.Version, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return model.Mission{}, err
	}
	m.Status = model.Status(status)
	for _, f := range []struct {
		raw []byte
		dst any
	}{
		{pickup, &m.Pickup}, {delivery, &m.Delivery}, {zones, &m.Zones}, {lastSeq, &m.LastPositionSeq}, {history, &m.History},
	} {
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return model.Mission{}, fmt.Errorf("decode mission %s: %w", m.ID, err)
		}
	}
	if len(lastPos) > 0 {
		m.LastPosition = &model.PositionReport{}
		if err := json.Unmarshal(lastPos, m.LastPosition); err != nil {
			return model.Mission{}, err
		}
	}
	if len(progress) > 0 {
		m.Progress = &model.Progress{}
		if err := json.Unmarshal(progress, m.Progress); err != nil {
			return model.Mission{}, err
		}
	}
	if m.LastPositionSeq == nil {
		m.LastPositionSeq = map[string]int64{}
	}
	return m, nil
}

func (p *Postgres) CreateMission(ctx context.Context, m model.Mission) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO missions (id, reference, driver_id, status, pickup, delivery, zones, last_seq, last_position, history, progress, version, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		m.ID, nullIfEmpty(m.Reference), nullIfEmpty(m.DriverID), string(m.Status), toJSON(m.Pickup), toJSON(m.Delivery), toJSON(m.Zones),
		toJSON(nonNilSeq(m.LastPositionSeq)), toJSONPtr(m.LastPosition), toJSON(m.History), toJSONPtr(m.Progress), m.Version, m.CreatedAt, m.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrExists
	}
	return err
}

func (p *Postgres) GetMission(ctx context.Context, id string) (model.Mission, error) {
	m, err := scanMission(p.db.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Mission{}, ErrNotFound
	}
	return m, err
}

func (p *Postgres) ListMissions(ctx context.Context, status model.Status, cursor string, limit int) ([]model.Mission, string, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + missionColumns + ` FROM missions WHERE ($1 = '' OR status = $1)
        AND ($3 = '' OR (created_at, id) > (SELECT created_at, id FROM missions WHERE id=$3))
        ORDER BY created_at, id LIMIT $2`
	args := []any{string(status), limit + 1, cursor}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.Mission{}
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	next := ""
	if len(out) > limit {
		out = out[:limit]
		next = out[limit-1].ID
	}
	return out, next, nil
}

func (p *Postgres) ListMissionsByStatus(ctx context.Context, status model.Status) ([]model.Mission, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE status=$1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Mission{}
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Commit writes the report, events and mission record in one transaction.
// The version predicate on the UPDATE gives read-modify-write semantics
// across service instances.
func (p *Postgres) Commit(ctx context.Context, mu Mutation) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if r := mu.Report; r != nil {
		_, err := tx.ExecContext(ctx, `INSERT INTO positions (mission_id, device_id, sequence_id, lat, lon, accuracy_m, captured_at, received_at)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, r.MissionID, r.DeviceID, r.SequenceID, r.Lat, r.Lon, r.AccuracyMeters, r.CapturedAt, r.ReceivedAt)
		if isUniqueViolation(err) {
			return ErrDuplicateReport
		}
		if err != nil {
			return fmt.Errorf("insert position: %w", err)
		}
	}
	for _, ev := range mu.Events {
		_, err := tx.ExecContext(ctx, `INSERT INTO geofence_events (id, mission_id, site_id, role, kind, at, triggering_seq, device_id, applied)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) ON CONFLICT (id) DO NOTHING`,
			ev.ID, ev.MissionID, ev.SiteID, string(ev.Role), string(ev.Kind), ev.At, ev.TriggeringSequenceID, ev.DeviceID, ev.Applied)
		if err != nil {
			return fmt.Errorf("insert geofence event: %w", err)
		}
	}
	m := mu.Mission
	res, err := tx.ExecContext(ctx, `UPDATE missions SET status=$1, zones=$2, last_seq=$3, last_position=$4, history=$5, progress=$6, version=version+1, updated_at=$7
        WHERE id=$8 AND version=$9`,
		string(m.Status), toJSON(m.Zones), toJSON(nonNilSeq(m.LastPositionSeq)), toJSONPtr(m.LastPosition), toJSON(m.History), toJSONPtr(m.Progress), m.UpdatedAt, m.ID, mu.ExpectVersion)
	if err != nil {
		return fmt.Errorf("update mission: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM missions WHERE id=$1)`, m.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	return tx.Commit()
}

func (p *Postgres) ListTrack(ctx context.Context, missionID, cursor string, limit int) ([]model.PositionReport, string, error) {
	if limit <= 0 {
		limit = 100
	}
	offset := 0
	if cursor != "" {
		if n, err := strconv.Atoi(cursor); err == nil && n > 0 {
			offset = n
		}
	}
	rows, err := p.db.QueryContext(ctx, `SELECT mission_id, device_id, sequence_id, lat, lon, accuracy_m, captured_at, received_at
        FROM positions WHERE mission_id=$1 ORDER BY received_at, device_id, sequence_id LIMIT $2 OFFSET $3`, missionID, limit+1, offset)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.PositionReport{}
	for rows.Next() {
		var r model.PositionReport
		if err := rows.Scan(&r.MissionID, &r.DeviceID, &r.SequenceID, &r.Lat, &r.Lon, &r.AccuracyMeters, &r.CapturedAt, &r.ReceivedAt); err != nil {
			return nil, "", err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	next := ""
	if len(out) > limit {
		out = out[:limit]
		next = strconv.Itoa(offset + limit)
	}
	return out, next, nil
}

func (p *Postgres) ListEvents(ctx context.Context, missionID string) ([]model.GeofenceEvent, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, mission_id, site_id, role, kind, at, triggering_seq, device_id, applied
        FROM geofence_events WHERE mission_id=$1 ORDER BY created_at, at`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.GeofenceEvent{}
	for rows.Next() {
		var ev model.GeofenceEvent
		var role, kind string
		if err := rows.Scan(&ev.ID, &ev.MissionID, &ev.SiteID, &role, &kind, &ev.At, &ev.TriggeringSequenceID, &ev.DeviceID, &ev.Applied); err != nil {
			return nil, err
		}
		ev.Role, ev.Kind = model.SiteRole(role), model.EventKind(kind)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveETA(ctx context.Context, eta model.ETA) error {
	res, err := p.db.ExecContext(ctx, `INSERT INTO mission_eta (mission_id, payload, computed_at)
        SELECT $1, $2, $3 WHERE EXISTS (SELECT 1 FROM missions WHERE id=$1)
        ON CONFLICT (mission_id) DO UPDATE SET payload=EXCLUDED.payload, computed_at=EXCLUDED.computed_at
        WHERE mission_eta.computed_at <= EXCLUDED.computed_at`, eta.MissionID, toJSON(eta), eta.ComputedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := p.GetMission(ctx, eta.MissionID); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) GetETA(ctx context.Context, missionID string) (model.ETA, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx, `SELECT payload FROM mission_eta WHERE mission_id=$1`, missionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ETA{}, ErrNotFound
	}
	if err != nil {
		return model.ETA{}, err
	}
	var eta model.ETA
	if err := json.Unmarshal(raw, &eta); err != nil {
		return model.ETA{}, err
	}
	return eta, nil
}

func (p *Postgres) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	id := uuid.New().String()
	ev, _ := json.Marshal(req.Events)
	_, err := p.db.ExecContext(ctx, `INSERT INTO subscriptions (id, url, events, secret) VALUES ($1,$2,$3,$4)`, id, req.URL, ev, nullIfEmpty(req.Secret))
	if err != nil {
		return model.Subscription{}, err
	}
	return model.Subscription{ID: id, URL: req.URL, Events: req.Events, Secret: req.Secret}, nil
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, url, events, COALESCE(secret,'') FROM subscriptions WHERE events @> $1::jsonb OR events @> '["*"]'::jsonb`, fmt.Sprintf("[%q]", eventType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) ListSubscriptions(ctx context.Context, cursor string, limit int) ([]model.Subscription, string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, url, events, COALESCE(secret,'') FROM subscriptions
        WHERE ($1 = '' OR created_at > (SELECT created_at FROM subscriptions WHERE id::text=$1)) ORDER BY created_at LIMIT $2`, cursor, limit+1)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.Subscription{}
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, s)
	}
	next := ""
	if len(out) > limit {
		out = out[:limit]
		next = out[limit-1].ID
	}
	return out, next, rows.Err()
}

func scanSubscription(row rowScanner) (model.Subscription, error) {
	var s model.Subscription
	var events []byte
	if err := row.Scan(&s.ID, &s.URL, &events, &s.Secret); err != nil {
		return s, err
	}
	if err := json.Unmarshal(events, &s.Events); err != nil {
		return s, fmt.Errorf("decode subscription events: %w", err)
	}
	return s, nil
}

func (p *Postgres) DeleteSubscription(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id::text=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	dk := computeDedupKey(payload)
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at, dedup_key)
        VALUES ($1,$2,$3,$4,$5,$6,'pending',0,now(),$7)
        ON CONFLICT (event_type, url, dedup_key) DO NOTHING`, id, nullIfEmpty(subscriptionID), eventType, url, nullIfEmpty(secret), payload, dk)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, COALESCE(subscription_id::text,''), event_type, url, COALESCE(secret,''), payload, status, attempts
        FROM webhook_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	if !success {
		if nextAttemptAt == nil {
			t := time.Now().Add(1 * time.Minute)
			nextAttemptAt = &t
		}
		_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='retry', last_error=$1, next_attempt_at=$2, updated_at=now(), response_code=$4, latency_ms=$5 WHERE id=$3`,
			nullIfEmpty(lastError), *nextAttemptAt, id, responseCode, latencyMs)
		return err
	}
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='delivered', delivered_at=now(), updated_at=now(), response_code=$2, latency_ms=$3 WHERE id=$1`, id, responseCode, latencyMs)
	return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='failed', last_error=$2, updated_at=now(), response_code=$3, latency_ms=$4 WHERE id=$1`,
		id, nullIfEmpty(lastError), responseCode, latencyMs); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO webhook_dlq (id, delivery_id, event_type, url, secret, payload, last_error, response_code, latency_ms)
        SELECT $1, id, event_type, url, secret, payload, $3, $4, $5 FROM webhook_deliveries WHERE id=$2`,
		uuid.New().String(), id, nullIfEmpty(lastError), responseCode, latencyMs); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, status, cursor string, limit int) ([]map[string]any, string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, event_type, status, attempts, url, next_attempt_at, COALESCE(last_error,'')
        FROM webhook_deliveries WHERE ($1 = '' OR status = $1) AND ($2 = '' OR id::text > $2) ORDER BY id LIMIT $3`, status, cursor, limit+1)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []map[string]any{}
	for rows.Next() {
		var id, et, st, url, lastErr string
		var attempts int
		var next sql.NullTime
		if err := rows.Scan(&id, &et, &st, &attempts, &url, &next, &lastErr); err != nil {
			return nil, "", err
		}
		item := map[string]any{"id": id, "eventType": et, "status": st, "attempts": attempts, "url": url}
		if next.Valid {
			item["nextAttemptAt"] = next.Time
		}
		if lastErr != "" {
			item["lastError"] = lastErr
		}
		out = append(out, item)
	}
	nextCursor := ""
	if len(out) > limit {
		out = out[:limit]
		nextCursor = out[limit-1]["id"].(string)
	}
	return out, nextCursor, rows.Err()
}

func (p *Postgres) RetryWebhookDelivery(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='pending', next_attempt_at=now(), updated_at=now() WHERE id::text=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListWebhookDLQ(ctx context.Context, cursor string, limit int) ([]map[string]any, string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, COALESCE(delivery_id::text,''), event_type, url, COALESCE(last_error,''), COALESCE(response_code,0), COALESCE(latency_ms,0), created_at
        FROM webhook_dlq WHERE ($1 = '' OR id::text > $1) ORDER BY id LIMIT $2`, cursor, limit+1)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []map[string]any{}
	for rows.Next() {
		var id, delID, et, url, lastErr string
		var code, lat int
		var created time.Time
		if err := rows.Scan(&id, &delID, &et, &url, &lastErr, &code, &lat, &created); err != nil {
			return nil, "", err
		}
		out = append(out, map[string]any{"id": id, "deliveryId": delID, "eventType": et, "url": url, "lastError": lastErr, "responseCode": code, "latencyMs": lat, "createdAt": created})
	}
	next := ""
	if len(out) > limit {
		out = out[:limit]
		next = out[limit-1]["id"].(string)
	}
	return out, next, rows.Err()
}

func computeDedupKey(payload []byte) string {
	// try to parse JSON and use id
	var m map[string]any
	if json.Unmarshal(payload, &m) == nil {
		if v, ok := m["id"].(string); ok && v != "" {
			return v
		}
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:8])
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func toJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

func toJSONPtr[T any](v *T) any {
	if v == nil {
		return nil
	}
	return toJSON(v)
}

func nonNilSeq(m map[string]int64) map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return m
}
