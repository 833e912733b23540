package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/markkurossi/tabulate"
	"gopkg.in/yaml.v3"

	// Pure Go SQLite driver.
	_ "modernc.org/sqlite"
)

// #############################################################################

// LogObserver writes one line per component to the run log.
type LogObserver struct {
	log *log.Logger
}

func NewLogObserver(logger *log.Logger) *LogObserver {
	return &LogObserver{log: logger}
}

func (o *LogObserver) ObserveRound(round int, model MixtureModel, logLik float64) error {
	for j, c := range model.Components() {
		o.log.Printf("round %d component %d: w=%.4f mean=(%.4f, %.4f) cov=[[%.4f %.4f] [%.4f %.4f]]\n",
			round, j, c.Weight, c.Mean[0], c.Mean[1],
			c.Covariance[0][0], c.Covariance[0][1], c.Covariance[1][0], c.Covariance[1][1])
	}
	o.log.Printf("round %d: log-likelihood %.6f\n", round, logLik)
	return nil
}

// #############################################################################

// TableObserver prints the model after every round.
type TableObserver struct {
	out io.Writer
}

func NewTableObserver(out io.Writer) *TableObserver {
	return &TableObserver{out: out}
}

func (o *TableObserver) ObserveRound(round int, model MixtureModel, logLik float64) error {
	fmt.Fprintf(o.out, "{ROUND}\t\t%d (log-likelihood %.4f)\n", round, logLik)
	ModelTable(model).Print(o.out)
	return nil
}

func ModelTable(model MixtureModel) *tabulate.Tabulate {
	tab := tabulate.New(tabulate.UnicodeLight)
	tab.Header("Component").SetAlign(tabulate.ML)
	tab.Header("Weight").SetAlign(tabulate.MR)
	tab.Header("Mean").SetAlign(tabulate.MR)
	tab.Header("Covariance").SetAlign(tabulate.MR)

	for j, c := range model.Components() {
		row := tab.Row()
		row.Column(fmt.Sprintf("%d", j))
		row.Column(fmt.Sprintf("%.4f", c.Weight))
		row.Column(fmt.Sprintf("(%.3f, %.3f)", c.Mean[0], c.Mean[1]))
		row.Column(fmt.Sprintf("[%.3f %.3f; %.3f %.3f]",
			c.Covariance[0][0], c.Covariance[0][1], c.Covariance[1][0], c.Covariance[1][1]))
	}
	row := tab.Row()
	row.Column("Total").SetFormat(tabulate.FmtBold)
	row.Column(fmt.Sprintf("%.4f", model.WeightSum())).SetFormat(tabulate.FmtBold)
	row.Column("")
	row.Column("")
	return tab
}

// #############################################################################

// HistoryStore records every committed model in a SQLite database so that
// runs can be compared afterwards.
type HistoryStore struct {
	db     *sql.DB
	runID  string
	insert *sql.Stmt
}

type HistoryRow struct {
	Round         int
	Index         int
	Component     MixtureComponent
	LogLikelihood float64
}

func OpenHistoryStore(path, runID string) (*HistoryStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &HistoryStore{db: db, runID: runID}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize history schema: %w", err)
	}
	s.insert, err = db.Prepare(`INSERT INTO rounds
		(run_id, round, component, weight, mean_x, mean_y, cov_xx, cov_xy, cov_yx, cov_yy, log_likelihood, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare history insert: %w", err)
	}
	return s, nil
}

func (s *HistoryStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS rounds (
			run_id TEXT NOT NULL,
			round INTEGER NOT NULL,
			component INTEGER NOT NULL,
			weight REAL NOT NULL,
			mean_x REAL NOT NULL,
			mean_y REAL NOT NULL,
			cov_xx REAL NOT NULL,
			cov_xy REAL NOT NULL,
			cov_yx REAL NOT NULL,
			cov_yy REAL NOT NULL,
			log_likelihood REAL NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (run_id, round, component)
		);
		CREATE INDEX IF NOT EXISTS idx_rounds_run ON rounds(run_id, round);
	`)
	return err
}

// ObserveRound stores all components of one round in a single transaction.
func (s *HistoryStore) ObserveRound(round int, model MixtureModel, logLik float64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt := tx.Stmt(s.insert)
	now := time.Now().UnixNano()
	for j, c := range model.Components() {
		_, err := stmt.Exec(s.runID, round, j, c.Weight, c.Mean[0], c.Mean[1],
			c.Covariance[0][0], c.Covariance[0][1], c.Covariance[1][0], c.Covariance[1][1], logLik, now)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("store round %d component %d: %w", round, j, err)
		}
	}
	return tx.Commit()
}

// Rounds returns the stored components of the store's run, ordered by round
// and component.
func (s *HistoryStore) Rounds(ctx context.Context) ([]HistoryRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT round, component, weight, mean_x, mean_y,
		cov_xx, cov_xy, cov_yx, cov_yy, log_likelihood
		FROM rounds WHERE run_id = ? ORDER BY round, component`, s.runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var r HistoryRow
		c := &r.Component
		if err := rows.Scan(&r.Round, &r.Index, &c.Weight, &c.Mean[0], &c.Mean[1],
			&c.Covariance[0][0], &c.Covariance[0][1], &c.Covariance[1][0], &c.Covariance[1][1],
			&r.LogLikelihood); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *HistoryStore) Close() error {
	if s.insert != nil {
		s.insert.Close()
	}
	return s.db.Close()
}

// #############################################################################

type exportedModel struct {
	Rounds        int                 `yaml:"rounds"`
	Converged     bool                `yaml:"converged"`
	LogLikelihood float64             `yaml:"log_likelihood"`
	Components    []exportedComponent `yaml:"components"`
}

type exportedComponent struct {
	Weight     float64       `yaml:"weight"`
	Mean       [2]float64    `yaml:"mean,flow"`
	Covariance [2][2]float64 `yaml:"covariance,flow"`
	Ellipse    ellipse       `yaml:"ellipse_2sd"`
}

type ellipse struct {
	Major float64 `yaml:"major"`
	Minor float64 `yaml:"minor"`
	Angle float64 `yaml:"angle_deg"`
}

// ExportModel writes the final model as YAML, including the two-standard-
// deviation ellipse of every component.
func ExportModel(fpath string, c *Coordinator) error {
	ll, _ := c.LogLikelihood()
	doc := exportedModel{
		Rounds:        c.Round(),
		Converged:     c.Converged(),
		LogLikelihood: ll,
	}
	for j, comp := range c.Model().Components() {
		major, minor, angle, err := comp.EllipseAxes(2)
		if err != nil {
			return fmt.Errorf("component %d: %w", j, err)
		}
		doc.Components = append(doc.Components, exportedComponent{
			Weight:     comp.Weight,
			Mean:       comp.Mean,
			Covariance: comp.Covariance,
			Ellipse:    ellipse{major, minor, angle},
		})
	}

	b, err := yaml.Marshal(&doc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fpath), os.ModePerm); err != nil {
		return err
	}
	return os.WriteFile(fpath, b, 0644)
}

// #############################################################################
