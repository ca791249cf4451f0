package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"repairpos/backend/internal/domain"
	"repairpos/backend/internal/store"
	"repairpos/backend/internal/xid"
)

const maxSerializationRetries = 3

type Store struct {
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// DB exposes the pool for migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// inTx runs fn in a serializable transaction, retrying on serialization
// failures. fn must not have side effects outside the transaction.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; attempt < maxSerializationRetries; attempt++ {
		err = s.runTx(ctx, fn)
		if !isSerializationFailure(err) {
			return err
		}
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

const deviceColumns = `
	id, store_id, snapshot, base_value, value_unknown, estimated_value, resale_estimate,
	margin, margin_tax, final_offer, override_amount, override_reason, override_by, override_at,
	status, evaluated_by, created_at, evaluated_at, accepted_at, paid_at, resold_at, updated_at`

func (s *Store) CreateBuybackDevice(ctx context.Context, device domain.BuybackDevice) (*domain.BuybackDevice, error) {
	if device.ID == "" {
		device.ID = xid.New("dev")
	}
	if device.CreatedAt.IsZero() {
		device.CreatedAt = time.Now().UTC()
	}
	if device.UpdatedAt.IsZero() {
		device.UpdatedAt = device.CreatedAt
	}
	snapshot, err := json.Marshal(device.Snapshot)
	if err != nil {
		return nil, err
	}

	v := device.Valuation
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO buyback_devices (
			id, store_id, imei, snapshot, base_value, value_unknown, estimated_value, resale_estimate,
			margin, margin_tax, final_offer, status, evaluated_by, created_at, evaluated_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, device.ID, device.StoreID, device.Snapshot.Device.IMEI, snapshot, v.BaseValue, v.ValueUnknown,
		v.EstimatedValue, v.ResaleEstimate, v.Margin, v.MarginTax, v.FinalOffer, device.Status,
		device.EvaluatedBy, device.CreatedAt, device.EvaluatedAt, device.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return getDevice(ctx, s.db, device.ID, false)
}

func (s *Store) GetBuybackDevice(ctx context.Context, id string) (*domain.BuybackDevice, error) {
	return getDevice(ctx, s.db, id, false)
}

func (s *Store) ListBuybackDevices(ctx context.Context, filter domain.DeviceFilter) ([]domain.BuybackDevice, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 100
	}

	var w where
	if filter.StoreID != "" {
		w.add("store_id = $%d", filter.StoreID)
	}
	if filter.Status != "" {
		w.add("status = $%d", filter.Status)
	}
	if filter.IMEI != "" {
		w.add("imei = $%d", filter.IMEI)
	}
	args := append(w.args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s
		FROM buyback_devices
		%s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d
	`, deviceColumns, w.clause(), len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	devices := make([]domain.BuybackDevice, 0, limit)
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *device)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return devices, nil
}

func (s *Store) TransitionBuybackDevice(ctx context.Context, id string, from domain.DeviceStatus, to domain.DeviceStatus, at time.Time) (*domain.BuybackDevice, error) {
	var updated *domain.BuybackDevice
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := lockDeviceInStatus(ctx, tx, id, from); err != nil {
			return err
		}
		var acceptedAt any
		if to == domain.DeviceStatusAccepted {
			acceptedAt = at
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE buyback_devices
			SET status = $2, accepted_at = COALESCE($3, accepted_at), updated_at = $4
			WHERE id = $1
		`, id, to, acceptedAt, at); err != nil {
			return err
		}
		var err error
		updated, err = getDevice(ctx, tx, id, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) UpdateBuybackValuation(ctx context.Context, id string, from domain.DeviceStatus, valuation domain.Valuation, at time.Time) (*domain.BuybackDevice, error) {
	var updated *domain.BuybackDevice
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := lockDeviceInStatus(ctx, tx, id, from); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE buyback_devices
			SET base_value = $2, value_unknown = $3, estimated_value = $4, resale_estimate = $5,
				margin = $6, margin_tax = $7, final_offer = $8,
				snapshot = jsonb_set(snapshot, '{base_value}', to_jsonb($10::text)),
				evaluated_at = $9, updated_at = $9
			WHERE id = $1
		`, id, valuation.BaseValue, valuation.ValueUnknown, valuation.EstimatedValue, valuation.ResaleEstimate,
			valuation.Margin, valuation.MarginTax, valuation.FinalOffer, at, valuation.BaseValue.String()); err != nil {
			return err
		}
		var err error
		updated, err = getDevice(ctx, tx, id, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) SetBuybackOverride(ctx context.Context, id string, from domain.DeviceStatus, override domain.PriceOverride) (*domain.BuybackDevice, error) {
	var updated *domain.BuybackDevice
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := lockDeviceInStatus(ctx, tx, id, from); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE buyback_devices
			SET override_amount = $2, override_reason = $3, override_by = $4, override_at = $5, updated_at = $5
			WHERE id = $1
		`, id, override.Amount, override.Reason, override.By, override.At); err != nil {
			return err
		}
		var err error
		updated, err = getDevice(ctx, tx, id, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) PayBuybackDevice(ctx context.Context, id string, draft domain.LedgerDraft, numbering domain.LedgerNumbering, at time.Time) (*domain.BuybackDevice, *domain.PoliceLogEntry, error) {
	var (
		device *domain.BuybackDevice
		entry  *domain.PoliceLogEntry
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := lockDeviceInStatus(ctx, tx, id, domain.DeviceStatusAccepted); err != nil {
			return err
		}

		var err error
		entry, err = getEntry(ctx, tx, "device_id", id, false)
		switch {
		case errors.Is(err, store.ErrNotFound):
			draft.DeviceID = id
			entry, err = appendEntry(ctx, tx, draft, numbering, at)
			if err != nil {
				return err
			}
		case err != nil:
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE buyback_devices
			SET status = $2, paid_at = $3, updated_at = $3
			WHERE id = $1
		`, id, domain.DeviceStatusPaid, at); err != nil {
			return err
		}
		device, err = getDevice(ctx, tx, id, false)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return device, entry, nil
}

func (s *Store) ResellBuybackDevice(ctx context.Context, id string, sale domain.LedgerSale, at time.Time) (*domain.BuybackDevice, *domain.PoliceLogEntry, error) {
	var (
		device *domain.BuybackDevice
		entry  *domain.PoliceLogEntry
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := lockDeviceInStatus(ctx, tx, id, domain.DeviceStatusPaid); err != nil {
			return err
		}

		current, err := getEntry(ctx, tx, "device_id", id, true)
		if errors.Is(err, store.ErrNotFound) {
			return store.ErrNoActiveEntry
		}
		if err != nil {
			return err
		}
		if current.Status != domain.LedgerStatusActive {
			return store.ErrNoActiveEntry
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE police_log_entries
			SET status = $2, sold_at = $3, sold_to = $4, sold_price = $5, updated_at = $6
			WHERE entry_number = $1
		`, current.EntryNumber, domain.LedgerStatusSold, sale.SoldAt, sale.SoldTo, sale.SoldPrice, at); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE buyback_devices
			SET status = $2, resold_at = $3, updated_at = $3
			WHERE id = $1
		`, id, domain.DeviceStatusResold, at); err != nil {
			return err
		}

		if device, err = getDevice(ctx, tx, id, false); err != nil {
			return err
		}
		entry, err = getEntry(ctx, tx, "entry_number", current.EntryNumber, false)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return device, entry, nil
}

func (s *Store) AppendLedgerEntry(ctx context.Context, draft domain.LedgerDraft, numbering domain.LedgerNumbering, at time.Time) (*domain.PoliceLogEntry, error) {
	var entry *domain.PoliceLogEntry
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		entry, err = appendEntry(ctx, tx, draft, numbering, at)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *Store) GetLedgerEntry(ctx context.Context, entryNumber string) (*domain.PoliceLogEntry, error) {
	return getEntry(ctx, s.db, "entry_number", entryNumber, false)
}

func (s *Store) GetLedgerEntryByDevice(ctx context.Context, deviceID string) (*domain.PoliceLogEntry, error) {
	return getEntry(ctx, s.db, "device_id", deviceID, false)
}

func (s *Store) UpdateLedgerLifecycle(ctx context.Context, entryNumber string, update domain.LedgerLifecycleUpdate) (*domain.PoliceLogEntry, error) {
	if update.Target == domain.LedgerStatusSold && update.Sale == nil {
		return nil, store.ErrInvalidInput
	}

	var entry *domain.PoliceLogEntry
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := getEntry(ctx, tx, "entry_number", entryNumber, true)
		if err != nil {
			return err
		}
		if current.Status != domain.LedgerStatusActive {
			return store.ErrStaleState
		}

		var (
			soldAt    any
			soldTo    any
			soldPrice any
		)
		if update.Sale != nil && update.Target == domain.LedgerStatusSold {
			soldAt, soldTo, soldPrice = update.Sale.SoldAt, update.Sale.SoldTo, update.Sale.SoldPrice
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE police_log_entries
			SET status = $2, lifecycle_reason = $3, sold_at = $4, sold_to = $5, sold_price = $6, updated_at = $7
			WHERE entry_number = $1
		`, entryNumber, update.Target, update.Reason, soldAt, soldTo, soldPrice, update.At); err != nil {
			return err
		}
		entry, err = getEntry(ctx, tx, "entry_number", entryNumber, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *Store) SearchLedger(ctx context.Context, filter domain.LedgerFilter) ([]domain.PoliceLogEntry, error) {
	var w where
	if filter.StoreID != "" {
		w.add("store_id = $%d", filter.StoreID)
	}
	if filter.IMEI != "" {
		w.add("imei = $%d", filter.IMEI)
	}
	if filter.Status != "" {
		w.add("status = $%d", filter.Status)
	}
	if filter.Declared != nil {
		w.add("declaration_sent = $%d", *filter.Declared)
	}
	if filter.From != nil {
		w.add("acquired_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		w.add("acquired_at < $%d", *filter.To)
	}
	if name := strings.TrimSpace(filter.SellerName); name != "" {
		w.add("lower(seller_name) LIKE $%d", "%"+escapeLike(strings.ToLower(name))+"%")
	}
	if q := strings.TrimSpace(filter.Query); q != "" {
		w.add(`(entry_number ILIKE $%[1]d OR imei ILIKE $%[1]d OR brand ILIKE $%[1]d
			OR model ILIKE $%[1]d OR seller_name ILIKE $%[1]d OR seller->>'id_number' ILIKE $%[1]d)`,
			"%"+escapeLike(q)+"%")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM police_log_entries
		%s
		ORDER BY year ASC, sequence ASC
	`, entryColumns, w.clause())
	args := w.args
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.PoliceLogEntry, 0, 64)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) MarkLedgerDeclared(ctx context.Context, entryNumbers []string, date time.Time, at time.Time) ([]domain.PoliceLogEntry, error) {
	var entries []domain.PoliceLogEntry
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		entries = make([]domain.PoliceLogEntry, 0, len(entryNumbers))
		for _, number := range entryNumbers {
			res, err := tx.ExecContext(ctx, `
				UPDATE police_log_entries
				SET declaration_sent = true, declaration_date = $2, updated_at = $3
				WHERE entry_number = $1 AND NOT declaration_sent
			`, number, date, at)
			if err != nil {
				return err
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if affected == 0 {
				var exists bool
				if err := tx.QueryRowContext(ctx,
					`SELECT EXISTS (SELECT 1 FROM police_log_entries WHERE entry_number = $1)`, number,
				).Scan(&exists); err != nil {
					return err
				}
				if !exists {
					return fmt.Errorf("%w: entry %s", store.ErrNotFound, number)
				}
				continue
			}
			entry, err := getEntry(ctx, tx, "entry_number", number, false)
			if err != nil {
				return err
			}
			entries = append(entries, *entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) GetCatalogModel(ctx context.Context, brand string, model string) (*domain.CatalogModel, error) {
	var m domain.CatalogModel
	err := s.db.QueryRowContext(ctx, `
		SELECT brand, model, base_price, updated_at
		FROM catalog_models
		WHERE brand_key = $1 AND model_key = $2
	`, domain.CatalogKey(brand), domain.CatalogKey(model)).Scan(&m.Brand, &m.Model, &m.BasePrice, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	m.UpdatedAt = m.UpdatedAt.UTC()
	return &m, nil
}

func (s *Store) UpsertCatalogModel(ctx context.Context, model domain.CatalogModel) (*domain.CatalogModel, error) {
	if strings.TrimSpace(model.Brand) == "" || strings.TrimSpace(model.Model) == "" {
		return nil, store.ErrInvalidInput
	}
	if model.UpdatedAt.IsZero() {
		model.UpdatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO catalog_models (brand_key, model_key, brand, model, base_price, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (brand_key, model_key)
		DO UPDATE SET brand = EXCLUDED.brand, model = EXCLUDED.model,
			base_price = EXCLUDED.base_price, updated_at = EXCLUDED.updated_at
	`, domain.CatalogKey(model.Brand), domain.CatalogKey(model.Model), model.Brand, model.Model, model.BasePrice, model.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &model, nil
}

func (s *Store) ListCatalogModels(ctx context.Context) ([]domain.CatalogModel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT brand, model, base_price, updated_at
		FROM catalog_models
		ORDER BY brand_key, model_key
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	models := make([]domain.CatalogModel, 0, 64)
	for rows.Next() {
		var m domain.CatalogModel
		if err := rows.Scan(&m.Brand, &m.Model, &m.BasePrice, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.UpdatedAt = m.UpdatedAt.UTC()
		models = append(models, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return models, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, store_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.StoreID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE store_id = $1
			AND created_at >= $2
			AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4
	`, storeID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.StoreID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = domain.RoleOperator
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_accounts (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,true,$4,now())
	`, user.Username, user.Password, user.Role, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM user_accounts
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE user_accounts
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// appendEntry draws the next sequence number of the year and inserts the
// entry. It must run inside the caller's transaction.
func appendEntry(ctx context.Context, tx *sql.Tx, draft domain.LedgerDraft, numbering domain.LedgerNumbering, at time.Time) (*domain.PoliceLogEntry, error) {
	if numbering.Prefix == "" || numbering.Year <= 0 {
		return nil, store.ErrInvalidInput
	}

	var sequence int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO ledger_sequences (year, last_value)
		VALUES ($1, 1)
		ON CONFLICT (year) DO UPDATE SET last_value = ledger_sequences.last_value + 1
		RETURNING last_value
	`, numbering.Year).Scan(&sequence)
	if err != nil {
		return nil, err
	}

	seller, err := json.Marshal(draft.Seller)
	if err != nil {
		return nil, err
	}

	number := domain.FormatEntryNumber(numbering.Prefix, numbering.Year, sequence)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO police_log_entries (
			entry_number, year, sequence, store_id, device_id, seller, seller_name,
			brand, model, imei, color, acquired_at, purchase_price, created_by, notes,
			status, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$17)
	`, number, numbering.Year, sequence, draft.StoreID, nullIfEmpty(draft.DeviceID), seller, draft.Seller.Name,
		draft.Item.Brand, draft.Item.Model, draft.Item.IMEI, draft.Item.Color, draft.AcquiredAt,
		draft.PurchasePrice, draft.CreatedBy, draft.Notes, domain.LedgerStatusActive, at)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return getEntry(ctx, tx, "entry_number", number, false)
}

func lockDeviceInStatus(ctx context.Context, tx *sql.Tx, id string, expected domain.DeviceStatus) error {
	var status domain.DeviceStatus
	err := tx.QueryRowContext(ctx, `
		SELECT status
		FROM buyback_devices
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	if status != expected {
		return store.ErrStaleState
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func getDevice(ctx context.Context, q querier, id string, forUpdate bool) (*domain.BuybackDevice, error) {
	query := fmt.Sprintf(`SELECT %s FROM buyback_devices WHERE id = $1`, deviceColumns)
	if forUpdate {
		query += " FOR UPDATE"
	}
	device, err := scanDevice(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return device, nil
}

func scanDevice(row rowScanner) (*domain.BuybackDevice, error) {
	var (
		device         domain.BuybackDevice
		snapshot       []byte
		overrideAmount decimal.NullDecimal
		overrideReason sql.NullString
		overrideBy     sql.NullString
		overrideAt     sql.NullTime
		acceptedAt     sql.NullTime
		paidAt         sql.NullTime
		resoldAt       sql.NullTime
	)
	v := &device.Valuation
	err := row.Scan(&device.ID, &device.StoreID, &snapshot, &v.BaseValue, &v.ValueUnknown, &v.EstimatedValue,
		&v.ResaleEstimate, &v.Margin, &v.MarginTax, &v.FinalOffer, &overrideAmount, &overrideReason,
		&overrideBy, &overrideAt, &device.Status, &device.EvaluatedBy, &device.CreatedAt, &device.EvaluatedAt,
		&acceptedAt, &paidAt, &resoldAt, &device.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(snapshot, &device.Snapshot); err != nil {
		return nil, fmt.Errorf("decode device snapshot %s: %w", device.ID, err)
	}
	if overrideAmount.Valid {
		device.Override = &domain.PriceOverride{
			Amount: overrideAmount.Decimal,
			Reason: overrideReason.String,
			By:     overrideBy.String,
			At:     overrideAt.Time.UTC(),
		}
	}
	device.CreatedAt = device.CreatedAt.UTC()
	device.EvaluatedAt = device.EvaluatedAt.UTC()
	device.UpdatedAt = device.UpdatedAt.UTC()
	device.AcceptedAt = timePtr(acceptedAt)
	device.PaidAt = timePtr(paidAt)
	device.ResoldAt = timePtr(resoldAt)
	return &device, nil
}

const entryColumns = `
	entry_number, year, sequence, store_id, device_id, seller, brand, model, imei, color,
	acquired_at, purchase_price, created_by, notes, status, lifecycle_reason, sold_at, sold_to,
	sold_price, declaration_sent, declaration_date, created_at, updated_at`

// getEntry loads an entry by entry_number or device_id.
func getEntry(ctx context.Context, q querier, column string, value string, forUpdate bool) (*domain.PoliceLogEntry, error) {
	if column != "entry_number" && column != "device_id" {
		return nil, fmt.Errorf("getEntry: unsupported column %q", column)
	}
	query := fmt.Sprintf(`SELECT %s FROM police_log_entries WHERE %s = $1`, entryColumns, column)
	if forUpdate {
		query += " FOR UPDATE"
	}
	entry, err := scanEntry(q.QueryRowContext(ctx, query, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return entry, nil
}

func scanEntry(row rowScanner) (*domain.PoliceLogEntry, error) {
	var (
		entry           domain.PoliceLogEntry
		deviceID        sql.NullString
		seller          []byte
		soldAt          sql.NullTime
		soldTo          sql.NullString
		soldPrice       decimal.NullDecimal
		declarationDate sql.NullTime
	)
	err := row.Scan(&entry.EntryNumber, &entry.Year, &entry.Sequence, &entry.StoreID, &deviceID, &seller,
		&entry.Item.Brand, &entry.Item.Model, &entry.Item.IMEI, &entry.Item.Color, &entry.AcquiredAt,
		&entry.PurchasePrice, &entry.CreatedBy, &entry.Notes, &entry.Status, &entry.LifecycleReason,
		&soldAt, &soldTo, &soldPrice, &entry.DeclarationSent, &declarationDate, &entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(seller, &entry.Seller); err != nil {
		return nil, fmt.Errorf("decode seller of %s: %w", entry.EntryNumber, err)
	}
	entry.DeviceID = deviceID.String
	entry.AcquiredAt = entry.AcquiredAt.UTC()
	entry.CreatedAt = entry.CreatedAt.UTC()
	entry.UpdatedAt = entry.UpdatedAt.UTC()
	entry.SoldAt = timePtr(soldAt)
	entry.SoldTo = soldTo.String
	if soldPrice.Valid {
		price := soldPrice.Decimal
		entry.SoldPrice = &price
	}
	entry.DeclarationDate = timePtr(declarationDate)
	return &entry, nil
}

// where accumulates AND-ed conditions with positional arguments. Each
// condition is a format string taking the argument's placeholder index.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(cond, len(w.args)))
}

func (w *where) clause() string {
	if len(w.conds) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(w.conds, " AND ")
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func nullIfEmpty(val string) any {
	if strings.TrimSpace(val) == "" {
		return nil
	}
	return val
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	utc := t.Time.UTC()
	return &utc
}
