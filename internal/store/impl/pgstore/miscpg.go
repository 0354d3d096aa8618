package pgstore

import (
	"context"
	"time"

	"github.com/jackc/pgconn"
	"github.com/phuslu/log"
	"nuha.dev/dmtp/internal/device"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PgMiscStore keeps the diagnostic and error reports devices send next to their events.
type PgMiscStore struct {
	db  execer
	log log.Logger
}

func NewMiscStore(db execer) *PgMiscStore {
	m := PgMiscStore{}
	m.db = db
	m.log = log.DefaultLogger
	m.log.Context = log.NewContext(nil).Str("module", "misc_store").Value()
	return &m
}

func (st *PgMiscStore) SaveDiagnostic(ctx context.Context, dev *device.Device, kind string, code uint16, data []byte, t time.Time) {
	_, err := st.db.Exec(ctx, `INSERT INTO device_diagnostic (device_id,kind,code,data,received_time) VALUES ($1,$2,$3,$4,$5)`, dev.ID, kind, int32(code), data, t)
	if err != nil {
		st.log.Error().Err(err).EmbedObject(dev).Msg("error saving diagnostic")
	}
}

// UpdateAttribute merges key into the tracker attribute document.
func (st *PgMiscStore) UpdateAttribute(ctx context.Context, dev *device.Device, key string, value string) {
	_, err := st.db.Exec(ctx, `UPDATE tracker SET attribute = attribute || jsonb_build_object($1::text,$2::text) where id = $3`, key, value, dev.ID)
	if err != nil {
		st.log.Error().Err(err).EmbedObject(dev).Msg("error updating attribute")
	}
}
