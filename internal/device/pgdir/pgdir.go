// Package pgdir is the postgres Directory. Unknown account/device pairs are registered on first
// contact from the tracker_default_config template and rejected until allow_connect is set.
package pgdir

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/phuslu/log"
	"nuha.dev/dmtp/internal/device"
)

const (
	NEW_DEVICE_CREATED  string = "new_device_created"
	ALLOW_CONNECT_FALSE string = "allow_connect_false"
)

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type Directory struct {
	db  querier
	log log.Logger
}

// New accepts a *pgxpool.Pool or anything else that can run a single-row query.
func New(db querier) *Directory {
	d := &Directory{db: db}
	d.log = log.DefaultLogger
	d.log.Context = log.NewContext(nil).Str("module", "pgdir").Value()
	return d
}

func (d *Directory) addDefault(ctx context.Context, account, name string) (*device.Device, error) {
	dev := &device.Device{Account: account, Name: name}
	query := `INSERT INTO tracker(account,device,config) SELECT $1, $2, config FROM config_template WHERE name='tracker_default_config' RETURNING id,config`
	err := d.db.QueryRow(ctx, query, account, name).Scan(&dev.ID, &dev.Config)
	if err != nil {
		return nil, fmt.Errorf("auto register %s/%s: %w", account, name, err)
	}
	d.log.Info().Str("event", NEW_DEVICE_CREATED).EmbedObject(dev).Msg("")
	return dev, nil
}

func (d *Directory) lookup(ctx context.Context, account, name string) (*device.Device, error) {
	dev := &device.Device{Account: account, Name: name}
	var uid *int64
	selectSql := `SELECT id, unique_id, config FROM tracker WHERE account=$1 AND device=$2`
	err := d.db.QueryRow(ctx, selectSql, account, name).Scan(&dev.ID, &uid, &dev.Config)
	if err != nil {
		return nil, err
	}
	if uid != nil {
		dev.UniqueID = uint64(*uid)
	}
	return dev, nil
}

func (d *Directory) Lookup(ctx context.Context, account, name string) (*device.Device, error) {
	dev, err := d.lookup(ctx, account, name)
	if errors.Is(err, pgx.ErrNoRows) {
		dev, err = d.addDefault(ctx, account, name)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			// registered concurrently by another session
			dev, err = d.lookup(ctx, account, name)
		}
	} else if err != nil {
		d.log.Error().Err(err).Str("account", account).Str("device", name).Msg("error while querying tracker")
		return nil, err
	}
	if err != nil {
		d.log.Error().Err(err).Msg("error while registering tracker")
		return nil, err
	}
	return d.allowed(dev)
}

// Find never registers and ignores allow_connect.
func (d *Directory) Find(ctx context.Context, account, name string) (*device.Device, error) {
	dev, err := d.lookup(ctx, account, name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, device.ErrUnknownDevice
	}
	if err != nil {
		d.log.Error().Err(err).Str("account", account).Str("device", name).Msg("error while querying tracker")
		return nil, err
	}
	return dev, nil
}

// LookupUnique never registers, the unique id has to be provisioned.
func (d *Directory) LookupUnique(ctx context.Context, uid uint64) (*device.Device, error) {
	dev := &device.Device{UniqueID: uid}
	selectSql := `SELECT id, account, device, config FROM tracker WHERE unique_id=$1`
	err := d.db.QueryRow(ctx, selectSql, int64(uid)).Scan(&dev.ID, &dev.Account, &dev.Name, &dev.Config)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, device.ErrUnknownDevice
	}
	if err != nil {
		d.log.Error().Err(err).Str("unique_id", device.FormatUniqueID(uid)).Msg("error while querying tracker by unique id")
		return nil, err
	}
	return d.allowed(dev)
}

func (d *Directory) allowed(dev *device.Device) (*device.Device, error) {
	if !dev.Config.AllowConnect {
		d.log.Info().Str("event", ALLOW_CONNECT_FALSE).EmbedObject(dev).Msg("")
		return dev, device.ErrNotAllowed
	}
	return dev, nil
}
