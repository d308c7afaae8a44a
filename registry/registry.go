/*Package registry persists the calibration library: the cameras that have
been connected and the master dark frames and bad pixel maps taken with them.

The store is a single SQLite file.  Its schema is managed with embedded
migrations which are applied when the database is opened.
*/
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/speetb/indi-allsky/camera"
)

// FrameType distinguishes the two artifact tables
type FrameType int

const (
	// DarkFrame is a master dark
	DarkFrame FrameType = 10

	// BadPixelMapFrame is a bad pixel map
	BadPixelMapFrame FrameType = 11
)

func (t FrameType) String() string {
	switch t {
	case DarkFrame:
		return "dark frame"
	case BadPixelMapFrame:
		return "bad pixel map"
	default:
		return fmt.Sprintf("FrameType(%d)", int(t))
	}
}

func (t FrameType) table() (string, error) {
	switch t {
	case DarkFrame:
		return "darkframe", nil
	case BadPixelMapFrame:
		return "badpixelmap", nil
	default:
		return "", fmt.Errorf("unknown frame type %d", int(t))
	}
}

// cfaCodes are the stored codes of the Bayer layouts
var cfaCodes = map[string]int{
	"RGGB": 46,
	"GRBG": 47,
	"BGGR": 48,
	"GBRG": 49,
}

// ErrTypeMismatch is returned when metadata is filed in the wrong table
var ErrTypeMismatch = errors.New("metadata type does not match artifact table")

// Metadata describes one artifact as it is registered
type Metadata struct {
	Type       FrameType
	CreateDate time.Time
	BitDepth   int
	Exposure   float64
	Gain       int
	Binning    int

	// Temp is the sensor temperature in Celsius; zero is stored as unknown
	Temp float64
}

// Artifact is a registered artifact row
type Artifact struct {
	ID         int64
	Type       FrameType
	Filename   string
	CameraID   int64
	CreateDate time.Time
	BitDepth   int
	Exposure   int
	Gain       int
	Binning    int
	Temp       sql.NullFloat64
}

// Camera is a registered camera row
type Camera struct {
	ID          int64
	UUID        string
	Name        string
	Driver      string
	ConnectDate time.Time
}

// DB is the calibration library store
type DB struct {
	*sql.DB

	// Logger, if nil, is the standard logger
	Logger *log.Logger

	// Now is the clock; tests replace it
	Now func() time.Time
}

// Open opens or creates the database at path and applies pending migrations
func Open(path string) (*DB, error) {
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	sqldb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db := &DB{DB: sqldb, Now: time.Now}
	if err := db.MigrateUp(); err != nil {
		sqldb.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) logf(format string, args ...interface{}) {
	if db.Logger != nil {
		db.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (db *DB) now() time.Time {
	if db.Now == nil {
		return time.Now()
	}
	return db.Now()
}

// AddCamera registers info by name.  A known camera keeps its ID and UUID
// and has its connect date and capabilities refreshed.
func (db *DB) AddCamera(ctx context.Context, info camera.Info) (int64, error) {
	if info.Name == "" {
		return 0, errors.New("camera name is empty")
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := db.now().Unix()
	var (
		id  int64
		uid sql.NullString
	)
	err = tx.QueryRowContext(ctx, `SELECT id, uuid FROM camera WHERE name = ?`, info.Name).Scan(&id, &uid)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.ExecContext(ctx,
			`INSERT INTO camera (uuid, name, createDate, connectDate) VALUES (?, ?, ?, ?)`,
			uuid.NewString(), info.Name, now, now)
		if err != nil {
			return 0, fmt.Errorf("inserting camera %s: %w", info.Name, err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return 0, err
		}
	case err != nil:
		return 0, err
	case !uid.Valid || uid.String == "":
		if _, err := tx.ExecContext(ctx, `UPDATE camera SET uuid = ? WHERE id = ?`, uuid.NewString(), id); err != nil {
			return 0, err
		}
	}

	var cfa sql.NullInt64
	if code, ok := cfaCodes[strings.ToUpper(info.CFA)]; ok {
		cfa = sql.NullInt64{Int64: int64(code), Valid: true}
	}
	_, err = tx.ExecContext(ctx, `UPDATE camera SET
		driver = ?, connectDate = ?, minGain = ?, maxGain = ?, minExposure = ?, maxExposure = ?,
		width = ?, height = ?, bits = ?, pixelSize = ?, cfa = ?
		WHERE id = ?`,
		info.Driver, now, info.MinGain, info.MaxGain, info.MinExposure, info.MaxExposure,
		info.Width, info.Height, info.Bits, info.PixelSize, cfa, id)
	if err != nil {
		return 0, fmt.Errorf("updating camera %s: %w", info.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	db.logf("Camera DB ID: %d", id)
	return id, nil
}

// Camera looks up a camera by ID
func (db *DB) Camera(ctx context.Context, id int64) (Camera, error) {
	var (
		c       Camera
		uid     sql.NullString
		driver  sql.NullString
		connect sql.NullInt64
	)
	err := db.QueryRowContext(ctx, `SELECT id, uuid, name, driver, connectDate FROM camera WHERE id = ?`, id).
		Scan(&c.ID, &uid, &c.Name, &driver, &connect)
	if err != nil {
		return c, err
	}
	c.UUID = uid.String
	c.Driver = driver.String
	if connect.Valid {
		c.ConnectDate = time.Unix(connect.Int64, 0)
	}
	return c, nil
}

// AddDarkFrame registers a master dark.  An empty filename is ignored.
func (db *DB) AddDarkFrame(ctx context.Context, filename string, cameraID int64, md Metadata) error {
	return db.add(ctx, DarkFrame, filename, cameraID, md)
}

// AddBadPixelMap registers a bad pixel map.  An empty filename is ignored.
func (db *DB) AddBadPixelMap(ctx context.Context, filename string, cameraID int64, md Metadata) error {
	return db.add(ctx, BadPixelMapFrame, filename, cameraID, md)
}

func (db *DB) add(ctx context.Context, t FrameType, filename string, cameraID int64, md Metadata) error {
	if filename == "" {
		return nil
	}
	if md.Type != 0 && md.Type != t {
		return fmt.Errorf("%w: %s registered as %s", ErrTypeMismatch, md.Type, t)
	}
	table, err := t.table()
	if err != nil {
		return err
	}

	var temp sql.NullFloat64
	if md.Temp != 0 {
		temp = sql.NullFloat64{Float64: md.Temp, Valid: true}
	} else {
		db.logf("Temperature is not defined")
	}
	created := md.CreateDate
	if created.IsZero() {
		created = db.now()
	}
	binning := md.Binning
	if binning == 0 {
		binning = 1
	}

	q := fmt.Sprintf(`INSERT INTO %s (filename, createDate, bitdepth, exposure, gain, binmode, temp, camera_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, table)
	_, err = db.ExecContext(ctx, q, filename, created.Unix(), md.BitDepth, int(md.Exposure), md.Gain, binning, temp, cameraID)
	if err != nil {
		return fmt.Errorf("registering %s %s: %w", t, filename, err)
	}
	return nil
}

// Artifacts lists every registered artifact of type t, oldest first
func (db *DB) Artifacts(ctx context.Context, t FrameType) ([]Artifact, error) {
	table, err := t.table()
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT id, filename, camera_id, createDate, bitdepth, exposure, gain, binmode, temp
		FROM %s ORDER BY createDate, id`, table)
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		var (
			a       Artifact
			created int64
		)
		if err := rows.Scan(&a.ID, &a.Filename, &a.CameraID, &created, &a.BitDepth, &a.Exposure, &a.Gain, &a.Binning, &a.Temp); err != nil {
			return nil, err
		}
		a.Type = t
		a.CreateDate = time.Unix(created, 0)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Flush removes every registered artifact file and then every artifact
// row.  The counts are logged and the removal starts after delay, giving an
// operator the chance to interrupt through ctx.
func (db *DB) Flush(ctx context.Context, delay time.Duration) error {
	bpms, err := db.Artifacts(ctx, BadPixelMapFrame)
	if err != nil {
		return err
	}
	darks, err := db.Artifacts(ctx, DarkFrame)
	if err != nil {
		return err
	}
	db.logf("Found %d bad pixel maps to flush", len(bpms))
	db.logf("Found %d dark frames to flush", len(darks))

	if delay > 0 {
		db.logf("Flushing in %s, interrupt to cancel", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	for _, a := range append(bpms, darks...) {
		db.logf("Removing %s: %s", a.Type, a.Filename)
		if err := os.Remove(a.Filename); err != nil && !os.IsNotExist(err) {
			db.logf("unable to remove %s: %v", a.Filename, err)
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM badpixelmap`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM darkframe`); err != nil {
		return err
	}
	return tx.Commit()
}
