package main

import (
	"bufio"
	"context"
	"os"
	"strings"
	"time"

	"github.com/Nystya/txn-coordinator/domain"
	"github.com/Nystya/txn-coordinator/repository/messaging"
	"github.com/Nystya/txn-coordinator/resource"
	"github.com/Nystya/txn-coordinator/service"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type scenarioFlags struct {
	addr        string
	session     string
	key         string
	interactive bool
}

// Scripted walk through a running deployment with an "entity" and a "file"
// participant.
func main() {
	var f scenarioFlags

	cmd := &cobra.Command{
		Use:   "scenario",
		Short: "Drive a running coordinator through commit, rollback and conflict scenarios",
		Run: func(*cobra.Command, []string) {
			scenario(f)
		},
	}
	cmd.Flags().StringVar(&f.addr, "coordinator", "127.0.0.1:5000", "coordinator address")
	cmd.Flags().StringVar(&f.session, "session", "alice", "session token")
	cmd.Flags().StringVar(&f.key, "interactive-key", "", "interactive session key")
	cmd.Flags().BoolVar(&f.interactive, "interactive", true, "wait for enter between steps")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func scenario(f scenarioFlags) {
	log, _ := zap.NewDevelopment()
	defer log.Sync()

	client, err := messaging.DialCoordinator(f.addr)
	if err != nil {
		log.Fatal("could not reach coordinator", zap.Error(err))
	}
	defer client.Close()

	creds := domain.Credentials{SessionToken: f.session, InteractiveSessionKey: f.key}
	input := bufio.NewScanner(os.Stdin)

	pause := func(msg string) {
		log.Info(msg)
		if f.interactive {
			log.Info("Press enter to continue")
			input.Scan()
		}
	}

	log.Info("This test will:")
	log.Info("1. Create an entity and write a file in one transaction and commit it")
	log.Info("2. Do the same again and roll it back")
	log.Info("3. Try to create the committed entity again, which must fail at prepare time or earlier")
	log.Info("4. Open a second transaction on the same session, which must be refused")

	code := "SAMPLE-" + strings.ToUpper(uuid.New().String()[:8])

	pause("Step 1: commit")
	run(log, client, creds, code, "samples/"+code+".txt", true)

	pause("Step 2: rollback")
	other := code + "-RB"
	run(log, client, creds, other, "samples/"+other+".txt", false)
	lookup(log, client, creds, other)

	pause("Step 3: duplicate entity")
	run(log, client, creds, code, "samples/"+code+"-dup.txt", true)

	pause("Step 4: second transaction for one session")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	first, err := client.BeginTransaction(ctx, creds)
	if err != nil {
		log.Fatal("could not begin", zap.Error(err))
	}
	_, err = client.BeginTransaction(ctx, creds)
	log.Info("second begin", zap.Bool("already_active", errors.Is(err, domain.ErrAlreadyActive)), zap.Error(err))
	if err = client.RollbackTransaction(ctx, creds, first); err != nil {
		log.Warn("rollback failed", zap.Error(err))
	}

	lookup(log, client, creds, code)
}

func run(log *zap.Logger, coordinator service.Coordinator, creds domain.Credentials, code string, path string, commit bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	txID, err := coordinator.BeginTransaction(ctx, creds)
	if err != nil {
		log.Error("could not begin", zap.Error(err))
		return
	}
	log.Info("begun", zap.String("transaction_id", txID))

	_, err = coordinator.ExecuteOperation(ctx, creds, txID, "entity", resource.OpCreateEntity, map[string]interface{}{
		"code":       code,
		"properties": map[string]interface{}{"description": "created by the scenario client"},
	})
	if err != nil {
		log.Warn("createEntity failed", zap.Error(err))
	}

	_, err = coordinator.ExecuteOperation(ctx, creds, txID, "file", resource.OpWrite, map[string]interface{}{
		"path":    path,
		"content": strings.Repeat("x", 100),
	})
	if err != nil {
		log.Warn("write failed", zap.Error(err))
	}

	if !commit {
		if err = coordinator.RollbackTransaction(ctx, creds, txID); err != nil {
			log.Error("rollback failed", zap.Error(err))
			return
		}
		log.Info("rolled back", zap.String("transaction_id", txID))
		return
	}

	if err = coordinator.CommitTransaction(ctx, creds, txID); err != nil {
		log.Error("commit failed", zap.Error(err))
		return
	}
	log.Info("committed", zap.String("transaction_id", txID))
}

func lookup(log *zap.Logger, coordinator service.Coordinator, creds domain.Credentials, code string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	txID, err := coordinator.BeginTransaction(ctx, creds)
	if err != nil {
		log.Error("could not begin", zap.Error(err))
		return
	}
	defer func() {
		_ = coordinator.RollbackTransaction(ctx, creds, txID)
	}()

	entity, err := coordinator.ExecuteOperation(ctx, creds, txID, "entity", resource.OpGetEntity, map[string]interface{}{"code": code})
	if err != nil {
		log.Info("entity not found", zap.String("code", code), zap.Error(err))
		return
	}

	log.Info("entity found", zap.String("code", code), zap.Any("entity", entity))
}
