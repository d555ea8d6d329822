package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	cr "github.com/libera-sdc/libera-utils/internal/constructionrecord"
	"github.com/libera-sdc/libera-utils/internal/filenaming"
	"github.com/libera-sdc/libera-utils/internal/quality"
)

// ErrPDSFileNotFound is returned when a kernel refers to an unknown PDS file.
var ErrPDSFileNotFound = errors.New("pds file not found")

// utcLayout stores timestamps so that they sort lexically.
const utcLayout = "2006-01-02T15:04:05.000000Z"

func utc(t time.Time) string { return t.UTC().Format(utcLayout) }

// sc stores an unsigned 64-bit code in a signed INTEGER column. Codes with
// the top bit set keep their bit pattern.
func sc(v uint64) int64 { return int64(v) }

// InsertConstructionRecord writes a construction record with all of its
// children in one transaction and returns the new cr.id.
func (db *DB) InsertConstructionRecord(ctx context.Context, rec *cr.ConstructionRecord) (int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO cr (
			file_name, edos_software_version, construction_record_type, test_flag,
			n_scs_start_stops, n_bytes_fill_data, n_length_mismatches,
			first_packet_sc_time, last_packet_sc_time, first_packet_utc_time, last_packet_utc_time,
			first_packet_esh_time, last_packet_esh_time, n_rs_corrections, n_packets, size_bytes,
			n_ssc_discontinuities, completion_time, n_apids, n_pds_files
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.FileName, rec.EDOSVersion, rec.Type, rec.TestFlag,
		len(rec.SCSStartStops), sc(rec.FillBytes), rec.LengthMismatches,
		sc(uint64(rec.FirstPacket)), sc(uint64(rec.LastPacket)), utc(rec.FirstPacket.UTC()), utc(rec.LastPacket.UTC()),
		sc(rec.FirstPacketESH), sc(rec.LastPacketESH), rec.RSCorrections, rec.Packets, sc(rec.SizeBytes),
		rec.SSCDiscontinuities, sc(rec.CompletionTime), len(rec.APIDs), len(rec.PDSFiles),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert construction record %s: %w", rec.FileName, err)
	}
	crID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for _, s := range rec.SCSStartStops {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cr_scs_start_stop_times (cr_id, scs_start_sc_time, scs_stop_sc_time, scs_start_utc_time, scs_stop_utc_time)
			VALUES (?, ?, ?, ?, ?)`,
			crID, sc(uint64(s.Start)), sc(uint64(s.Stop)), utc(s.Start.UTC()), utc(s.Stop.UTC())); err != nil {
			return 0, fmt.Errorf("failed to insert SCS start/stop: %w", err)
		}
	}
	for _, a := range rec.APIDs {
		if err := insertAPID(ctx, tx, crID, a); err != nil {
			return 0, err
		}
	}
	for _, f := range rec.PDSFiles {
		if err := insertPDSFile(ctx, tx, crID, f); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	db.Metrics.Ingested("cr", 1)
	db.Metrics.Ingested("pds_file", len(rec.PDSFiles))
	zap.S().Named("db").Infof("Inserted construction record %s (id %d)", rec.FileName, crID)
	return crID, nil
}

func insertAPID(ctx context.Context, tx *sql.Tx, crID int64, a cr.APID) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO cr_apid (
			cr_id, scid_apid, byte_offset, n_vcids, n_ssc_gaps, n_edos_generated_fill_data,
			count_edos_generated_octets, n_length_discrepancy_packets,
			first_packet_sc_time, last_packet_sc_time, first_packet_utc_time, last_packet_utc_time,
			esh_first_packet_time, esh_last_packet_time, n_vcdu_corrected_packets, n_in_the_data_set,
			n_octect_in_apid
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		crID, uint32(a.SCIDAPID), sc(a.ByteOffset), len(a.VCIDs), len(a.SSCGaps), len(a.FillData),
		sc(a.FillOctets), len(a.LengthDiscrepancies),
		sc(uint64(a.FirstPacket)), sc(uint64(a.LastPacket)), utc(a.FirstPacket.UTC()), utc(a.LastPacket.UTC()),
		sc(a.FirstPacketESH), sc(a.LastPacketESH), a.VCDUCorrected, a.InDataSet,
		sc(a.SizeOctets),
	)
	if err != nil {
		return fmt.Errorf("failed to insert APID %d: %w", a.SCIDAPID.APID(), err)
	}
	apidID, err := res.LastInsertId()
	if err != nil {
		return err
	}
	for _, v := range a.VCIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO cr_apid_vcid (cr_apid_id, scid_vcid) VALUES (?, ?)`,
			apidID, uint16(v)); err != nil {
			return err
		}
	}
	for _, g := range a.SSCGaps {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cr_apid_ssc_gap (
				cr_apid_id, first_missing_ssc, gap_byte_offset, n_missing_sscs,
				preceding_packet_sc_time, following_packet_sc_time,
				preceding_packet_utc_time, following_packet_utc_time,
				preceding_packet_esh_time, following_packet_esh_time
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			apidID, g.FirstMissingSSC, sc(g.ByteOffset), g.MissingSSCs,
			sc(uint64(g.PrecedingPacket)), sc(uint64(g.FollowingPacket)),
			utc(g.PrecedingPacket.UTC()), utc(g.FollowingPacket.UTC()),
			sc(g.PrecedingESHTime), sc(g.FollowingESHTime)); err != nil {
			return err
		}
	}
	for _, f := range a.FillData {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cr_apid_edos_generated_fill_data (cr_apid_id, ssc_with_generated_data, filled_byte_offset, index_to_fill_octet)
			VALUES (?, ?, ?, ?)`,
			apidID, f.SSC, sc(f.ByteOffset), f.FillOctetIx); err != nil {
			return err
		}
	}
	for _, d := range a.LengthDiscrepancies {
		if _, err := tx.ExecContext(ctx, `INSERT INTO cr_apid_ssc_len_discrepancies (cr_apid_id, ssc_length_discrepancy) VALUES (?, ?)`,
			apidID, d); err != nil {
			return err
		}
	}
	return nil
}

func insertPDSFile(ctx context.Context, tx *sql.Tx, crID int64, f cr.PDSFile) error {
	res, err := tx.ExecContext(ctx, `INSERT INTO pds_file (cr_id, file_name, ingested) VALUES (?, ?, ?)`,
		crID, f.Name, utc(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to insert PDS file %s: %w", f.Name, err)
	}
	fileID, err := res.LastInsertId()
	if err != nil {
		return err
	}
	for _, a := range f.APIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pds_file_apid (pds_file_id, scid_apid, first_packet_sc_time, last_packet_sc_time, first_packet_utc_time, last_packet_utc_time)
			VALUES (?, ?, ?, ?, ?, ?)`,
			fileID, uint32(a.SCIDAPID), sc(uint64(a.FirstPacket)), sc(uint64(a.LastPacket)),
			utc(a.FirstPacket.UTC()), utc(a.LastPacket.UTC())); err != nil {
			return err
		}
	}
	return nil
}

// PDSFile is a stored PDS file row.
type PDSFile struct {
	ID       int64
	CRID     int64
	FileName string
	APIDs    []uint16
}

// PDSFiles lists the PDS files recorded for a construction record, in
// insertion order, with the APIDs each holds.
func (db *DB) PDSFiles(ctx context.Context, crID int64) ([]PDSFile, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT f.id, f.file_name, a.scid_apid
		FROM pds_file f LEFT JOIN pds_file_apid a ON a.pds_file_id = f.id
		WHERE f.cr_id = ?
		ORDER BY f.id, a.id`, crID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []PDSFile
	for rows.Next() {
		var (
			id     int64
			name   string
			scApid sql.NullInt64
		)
		if err := rows.Scan(&id, &name, &scApid); err != nil {
			return nil, err
		}
		if len(files) == 0 || files[len(files)-1].ID != id {
			files = append(files, PDSFile{ID: id, CRID: crID, FileName: name})
		}
		if scApid.Valid {
			last := &files[len(files)-1]
			last.APIDs = append(last.APIDs, cr.SCIDAPID(scApid.Int64).APID())
		}
	}
	return files, rows.Err()
}

// KernelFile is an SPK or CK registered in spk_ck_file.
type KernelFile struct {
	ID          int64
	FileName    string
	Kind        string
	StartSCTime uint64
	StopSCTime  uint64
	Start       time.Time
	Stop        time.Time
	Revision    int
	QualityFlag int64
	// PDSFiles names the PDS files the kernel was made from.
	PDSFiles []string
}

// RecordKernelFile registers a kernel. Kind, Start and Stop are taken from
// the file name when empty. Every named PDS file must already be stored.
func (db *DB) RecordKernelFile(ctx context.Context, k *KernelFile) error {
	if err := fillFromName(k); err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO spk_ck_file (file_name, kind, start_sc_time, stop_sc_time, start_utc_time, stop_utc_time, revision, quality_flag)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		k.FileName, k.Kind, sc(k.StartSCTime), sc(k.StopSCTime), utc(k.Start), utc(k.Stop), k.Revision, k.QualityFlag)
	if err != nil {
		return fmt.Errorf("failed to record kernel %s: %w", k.FileName, err)
	}
	if k.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	for _, name := range k.PDSFiles {
		var pdsID int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM pds_file WHERE file_name = ? ORDER BY id DESC LIMIT 1`, name).Scan(&pdsID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrPDSFileNotFound, name)
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO spk_ck_file_pds_file_jt (pds_file_id, spk_ck_file_id) VALUES (?, ?)`,
			pdsID, k.ID); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	db.Metrics.Ingested("spk_ck_file", 1)
	return nil
}

func fillFromName(k *KernelFile) error {
	if k.Kind != "" && !k.Start.IsZero() && !k.Stop.IsZero() {
		return nil
	}
	switch filenaming.Kind(k.FileName) {
	case "spk":
		n, err := filenaming.ParseEphemerisKernel(k.FileName)
		if err != nil {
			return err
		}
		k.Kind, k.Start, k.Stop = "spk", n.Start, n.End
	case "ck":
		n, err := filenaming.ParseAttitudeKernel(k.FileName)
		if err != nil {
			return err
		}
		k.Kind, k.Start, k.Stop = "ck", n.Start, n.End
	default:
		return fmt.Errorf("%s is not an SPK or CK file name: %w", k.FileName, filenaming.ErrInvalidFilename)
	}
	return nil
}

// LatestKernelFiles returns, for each kind and time range, the kernel with
// the highest revision.
func (db *DB) LatestKernelFiles(ctx context.Context) ([]KernelFile, error) {
	return db.queryKernels(ctx, `
		SELECT k.id, k.file_name, k.kind, k.start_sc_time, k.stop_sc_time, k.start_utc_time, k.stop_utc_time, k.revision, k.quality_flag
		FROM spk_ck_file k
		WHERE NOT EXISTS (
			SELECT 1 FROM spk_ck_file n
			WHERE n.kind = k.kind AND n.start_utc_time = k.start_utc_time AND n.stop_utc_time = k.stop_utc_time
			AND (n.revision > k.revision OR (n.revision = k.revision AND n.id > k.id))
		)
		ORDER BY k.start_utc_time, k.kind`)
}

// FlaggedKernelFiles returns kernels with a non-zero quality flag.
func (db *DB) FlaggedKernelFiles(ctx context.Context) ([]KernelFile, error) {
	return db.queryKernels(ctx, `
		SELECT id, file_name, kind, start_sc_time, stop_sc_time, start_utc_time, stop_utc_time, revision, quality_flag
		FROM spk_ck_file WHERE quality_flag != 0
		ORDER BY start_utc_time, kind`)
}

func (db *DB) queryKernels(ctx context.Context, query string) ([]KernelFile, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	var out []KernelFile
	for rows.Next() {
		var (
			k               KernelFile
			start, stop     string
			scStart, scStop sql.NullInt64
		)
		if err := rows.Scan(&k.ID, &k.FileName, &k.Kind, &scStart, &scStop, &start, &stop, &k.Revision, &k.QualityFlag); err != nil {
			rows.Close()
			return nil, err
		}
		k.StartSCTime, k.StopSCTime = uint64(scStart.Int64), uint64(scStop.Int64)
		if k.Start, err = time.Parse(utcLayout, start); err != nil {
			rows.Close()
			return nil, err
		}
		if k.Stop, err = time.Parse(utcLayout, stop); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// The connection is free again once rows is closed.
	for i := range out {
		names, err := db.kernelPDSFiles(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].PDSFiles = names
	}
	return out, nil
}

func (db *DB) kernelPDSFiles(ctx context.Context, kernelID int64) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT p.file_name FROM spk_ck_file_pds_file_jt jt
		JOIN pds_file p ON p.id = jt.pds_file_id
		WHERE jt.spk_ck_file_id = ?
		ORDER BY p.file_name`, kernelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// InputQualityCounts totals the gap, fill and length problems recorded by
// the construction records that own the named PDS files. Names with no
// stored PDS file count as missing records.
func (db *DB) InputQualityCounts(ctx context.Context, pdsFiles []string) (quality.InputCounts, error) {
	var c quality.InputCounts
	seen := map[int64]bool{}
	for _, name := range pdsFiles {
		var crID int64
		err := db.QueryRowContext(ctx, `SELECT cr_id FROM pds_file WHERE file_name = ? ORDER BY id DESC LIMIT 1`, name).Scan(&crID)
		if errors.Is(err, sql.ErrNoRows) {
			c.MissingRecords++
			continue
		}
		if err != nil {
			return c, err
		}
		if seen[crID] {
			continue
		}
		seen[crID] = true
		var gaps, fill, lens int
		err = db.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(n_ssc_gaps), 0), COALESCE(SUM(n_edos_generated_fill_data), 0), COALESCE(SUM(n_length_discrepancy_packets), 0)
			FROM cr_apid WHERE cr_id = ?`, crID).Scan(&gaps, &fill, &lens)
		if err != nil {
			return c, err
		}
		c.SSCGaps += gaps
		c.FillData += fill
		c.LengthDiscrepancies += lens
	}
	return c, nil
}

// HasPDSFile reports whether a PDS file with this name is stored.
func (db *DB) HasPDSFile(ctx context.Context, name string) (bool, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pds_file WHERE file_name = ?`, name).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}
