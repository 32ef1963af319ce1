package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crdtsync/crdtsync/internal/config"
	"github.com/crdtsync/crdtsync/internal/crdtstore"
	"github.com/crdtsync/crdtsync/internal/lockfile"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the local site id, db version, and lock holder",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	ctx := context.Background()
	store, err := crdtstore.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	v, err := store.GetVersion(ctx)
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}

	fmt.Printf("database:  %s\n", cfg.DBPath)
	fmt.Printf("site id:   %s\n", store.SiteID())
	fmt.Printf("db version: %d\n", v)

	info, err := lockfile.ReadLockInfo(cfg.DBPath)
	if err != nil {
		fmt.Println("writer lock: not held")
		return nil
	}
	alive := lockfile.HolderAlive(*info)
	fmt.Printf("writer lock: held by pid %d (alive=%v) since %s\n", info.PID, alive, info.StartedAt.Format("2006-01-02T15:04:05Z07:00"))
	return nil
}
