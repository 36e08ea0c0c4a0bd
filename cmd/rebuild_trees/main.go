package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/learningequality/studio-backend/internal/db"
	"github.com/learningequality/studio-backend/internal/platform/logger"
	"github.com/learningequality/studio-backend/internal/tree"
	"github.com/learningequality/studio-backend/internal/types"
)

type idList []string

func (l *idList) String() string { return strings.Join(*l, ",") }
func (l *idList) Set(v string) error {
	v = strings.TrimSpace(v)
	if v != "" {
		*l = append(*l, v)
	}
	return nil
}

// Repairs lft/rght intervals from parent_id/sort_order after manual data
// surgery or a bad migration.
func main() {
	var channels idList
	var all bool
	flag.Var(&channels, "channel", "channel id to rebuild (repeatable)")
	flag.BoolVar(&all, "all", false, "rebuild every channel's trees")
	flag.Parse()

	log, err := logger.New("production")
	if err != nil {
		fmt.Printf("init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		fmt.Printf("connect postgres: %v\n", err)
		os.Exit(1)
	}
	thePG := postgresService.DB()
	trees := tree.NewEngine(thePG, log)
	ctx := context.Background()

	var rows []*types.Channel
	if all {
		if err := thePG.WithContext(ctx).Find(&rows).Error; err != nil {
			fmt.Printf("load channels: %v\n", err)
			os.Exit(1)
		}
	} else {
		if len(channels) == 0 {
			fmt.Println("nothing to do: pass -channel or -all")
			return
		}
		ids := make([]uuid.UUID, 0, len(channels))
		for _, s := range channels {
			id, err := uuid.Parse(strings.TrimSpace(s))
			if err != nil || id == uuid.Nil {
				fmt.Printf("skipping invalid channel id %q\n", s)
				continue
			}
			ids = append(ids, id)
		}
		if len(ids) == 0 {
			fmt.Println("no valid channel ids provided")
			return
		}
		if err := thePG.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
			fmt.Printf("load channels: %v\n", err)
			os.Exit(1)
		}
	}

	rebuilt := 0
	for _, ch := range rows {
		for _, rootID := range []*uuid.UUID{ch.MainTreeID, ch.TrashTreeID} {
			if rootID == nil {
				continue
			}
			var root types.ContentNode
			if err := thePG.WithContext(ctx).First(&root, "id = ?", *rootID).Error; err != nil {
				fmt.Printf("channel %s: load root %s: %v\n", ch.ID, *rootID, err)
				continue
			}
			if err := trees.Rebuild(ctx, root.TreeID); err != nil {
				fmt.Printf("channel %s: rebuild tree %d: %v\n", ch.ID, root.TreeID, err)
				continue
			}
			rebuilt++
		}
	}
	fmt.Printf("rebuilt %d trees across %d channels\n", rebuilt, len(rows))
}
