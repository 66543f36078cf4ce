package main

import (
	"context"
	"log"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"questledger/pkg/config"
	"questledger/pkg/db"
	"questledger/pkg/gen"
	"questledger/pkg/logger"
	"questledger/services/quest"
)

var demo = []quest.CreateRequest{
	{
		Title:            "Beach clean-up",
		Description:      "Collect at least one bag of litter from a public beach.",
		ImpactPoints:     50,
		CompletionCap:    200,
		AutoArchiveAfter: 7 * 24 * time.Hour,
	},
	{
		Title:        "Plant a native tree",
		Description:  "Plant a native species and share a photo of it.",
		ImpactPoints: 100,
	},
	{
		Title:            "Repair cafe volunteer",
		Description:      "Help fix household items at a community repair cafe.",
		ImpactPoints:     30,
		CompletionRule:   "completions >= 100 && impact_points > 10",
		AutoArchiveAfter: 72 * time.Hour,
	},
	{
		Title:        "Bike to work week",
		Description:  "Commute by bike five days in a row.",
		ImpactPoints: 20,
	},
}

func main() {
	var svc *quest.Service
	app := fx.New(
		config.Module,
		logger.Module,
		db.Module,
		gen.Module,
		quest.Module,
		fx.Populate(&svc),
		fx.NopLogger,
	)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		log.Fatalf("failed to start: %v", err)
	}
	defer func() { _ = app.Stop(context.Background()) }()

	for _, req := range demo {
		q, err := svc.Create(ctx, req)
		if err != nil {
			zap.L().Error("failed to seed quest", zap.String("title", req.Title), zap.Error(err))
			continue
		}
		zap.L().Info("seeded quest", zap.String("id", q.ID), zap.String("slug", q.Slug))
	}
}
