package resultdb

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

func Migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE run(
			id INTEGER PRIMARY KEY,
			run_id TEXT NOT NULL,
			query TEXT NOT NULL,
			created_at INT NOT NULL,
			count_requested INT NOT NULL,
			confidence_threshold REAL NOT NULL,
			iou_threshold REAL NOT NULL
		);
		CREATE UNIQUE INDEX idx_run_run_id ON run (run_id);

		CREATE TABLE image_result(
			id INTEGER PRIMARY KEY,
			run_id TEXT NOT NULL,
			seq INT NOT NULL,
			image_id TEXT NOT NULL,
			source_url TEXT NOT NULL,
			content_hash BLOB,
			width INT,
			height INT,
			error_kind TEXT,
			error_message TEXT
		);
		CREATE UNIQUE INDEX idx_image_result_run_seq ON image_result (run_id, seq);

		CREATE TABLE detection(
			id INTEGER PRIMARY KEY,
			image_result_id INT NOT NULL,
			class TEXT NOT NULL,
			confidence REAL NOT NULL,
			x1 REAL NOT NULL,
			y1 REAL NOT NULL,
			x2 REAL NOT NULL,
			y2 REAL NOT NULL
		);
		CREATE INDEX idx_detection_image_result_id ON detection (image_result_id);
	`))

	return migs
}
