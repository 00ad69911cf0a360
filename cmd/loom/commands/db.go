package commands

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/loom/ai/tracker"
	"github.com/teranos/loom/db"
	"github.com/teranos/loom/display"
	"github.com/teranos/loom/errors"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the loom database",
	Long: `db - Manage the loom SQLite database

The database holds backend usage records and, with the sqlite vector store,
the indexed documents.

Examples:
  loom db migrate              # Apply pending migrations
  loom db stats                # Vector and usage statistics
  loom db stats --days 7       # Usage over the last week`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show vector and usage statistics",
	RunE:  runDbStats,
}

var statsDays int

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
	dbStatsCmd.Flags().IntVar(&statsDays, "days", 30, "Usage window in days")
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	env, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	conn, err := env.database()
	if err != nil {
		return err
	}
	versions, err := db.AppliedVersions(conn)
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(map[string]any{"path": env.cfg.GetDatabasePath(), "applied": versions})
	}
	pterm.Success.Printf("%s is at migration %s (%d applied)\n", env.cfg.GetDatabasePath(), last(versions), len(versions))
	return nil
}

// collectionCount is the number of vectors stored under one collection
type collectionCount struct {
	Collection string `json:"collection"`
	Vectors    int    `json:"vectors"`
	Dims       string `json:"dims"`
}

// dbStats is the JSON form of db stats
type dbStats struct {
	Path        string                    `json:"path"`
	VecVersion  string                    `json:"vec_version"`
	Migrations  []string                  `json:"migrations"`
	Collections []collectionCount         `json:"collections"`
	Usage       *tracker.UsageStats       `json:"usage"`
	Models      []tracker.ModelBreakdown  `json:"models"`
	Chains      []tracker.ChainBreakdown  `json:"chains"`
	Daily       []tracker.TimeSeriesPoint `json:"daily"`
}

func runDbStats(cmd *cobra.Command, args []string) error {
	env, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	conn, err := env.database()
	if err != nil {
		return err
	}

	stats := dbStats{Path: env.cfg.GetDatabasePath()}
	if stats.VecVersion, err = db.VecVersion(conn); err != nil {
		return err
	}
	if stats.Migrations, err = db.AppliedVersions(conn); err != nil {
		return err
	}
	if stats.Collections, err = vectorCounts(conn); err != nil {
		return err
	}

	since := time.Now().AddDate(0, 0, -statsDays)
	t := tracker.NewUsageTracker(conn, env.verbosity)
	if stats.Usage, err = t.GetUsageStats(since); err != nil {
		return err
	}
	if stats.Models, err = t.GetModelBreakdown(since); err != nil {
		return err
	}
	if stats.Chains, err = t.GetChainBreakdown(since); err != nil {
		return err
	}
	if stats.Daily, err = t.GetTimeSeriesData(statsDays); err != nil {
		return err
	}

	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(stats)
	}

	pterm.DefaultSection.Println("Database")
	fmt.Printf("Path:        %s\n", stats.Path)
	fmt.Printf("sqlite-vec:  %s\n", stats.VecVersion)
	fmt.Printf("Migration:   %s\n", last(stats.Migrations))

	pterm.DefaultSection.Println("Vectors")
	if len(stats.Collections) == 0 {
		pterm.Info.Println("No documents indexed")
	} else {
		rows := make([][]string, len(stats.Collections))
		for i, c := range stats.Collections {
			rows[i] = []string{c.Collection, strconv.Itoa(c.Vectors), c.Dims}
		}
		if err := display.Table([]string{"Collection", "Vectors", "Dims"}, rows); err != nil {
			return err
		}
	}

	pterm.DefaultSection.Printf("Backend usage (last %d days)\n", statsDays)
	u := stats.Usage
	fmt.Printf("Requests:    %d (%.0f%% ok)\n", u.TotalRequests, u.SuccessRate*100)
	fmt.Printf("Tokens:      %d\n", u.TotalTokens)
	fmt.Printf("Cost:        $%.4f\n", u.TotalCost)
	if len(stats.Models) > 0 {
		rows := make([][]string, len(stats.Models))
		for i, m := range stats.Models {
			rows[i] = []string{m.ModelProvider, m.ModelName, strconv.Itoa(m.RequestCount), strconv.Itoa(m.TotalTokens), fmt.Sprintf("$%.4f", m.TotalCost)}
		}
		if err := display.Table([]string{"Provider", "Model", "Requests", "Tokens", "Cost"}, rows); err != nil {
			return err
		}
	}
	if len(stats.Chains) > 0 {
		rows := make([][]string, len(stats.Chains))
		for i, c := range stats.Chains {
			rows[i] = []string{c.ChainName, strconv.Itoa(c.RequestCount), strconv.Itoa(c.FailedCount), strconv.Itoa(c.TotalTokens)}
		}
		if err := display.Table([]string{"Chain", "Requests", "Failed", "Tokens"}, rows); err != nil {
			return err
		}
	}
	if len(stats.Daily) > 0 {
		rows := make([][]string, len(stats.Daily))
		for i, p := range stats.Daily {
			rows[i] = []string{p.Date, strconv.Itoa(p.Requests), fmt.Sprintf("$%.4f", p.Cost)}
		}
		if err := display.Table([]string{"Day", "Requests", "Cost"}, rows); err != nil {
			return err
		}
	}
	return nil
}

func vectorCounts(conn *sql.DB) ([]collectionCount, error) {
	rows, err := conn.Query(`
		SELECT collection, COUNT(*), GROUP_CONCAT(DISTINCT dim)
		FROM vectors
		GROUP BY collection
		ORDER BY collection`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count vectors")
	}
	defer rows.Close()

	var out []collectionCount
	for rows.Next() {
		var c collectionCount
		if err := rows.Scan(&c.Collection, &c.Vectors, &c.Dims); err != nil {
			return nil, errors.Wrap(err, "failed to scan vector counts")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func last(versions []string) string {
	if len(versions) == 0 {
		return "none"
	}
	return versions[len(versions)-1]
}
