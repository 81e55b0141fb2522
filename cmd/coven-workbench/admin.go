// ABOUTME: Offline admin commands for projects, sessions and tokens
// ABOUTME: They open the database directly and can run beside a live server

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-workbench/internal/auth"
	"github.com/2389/coven-workbench/internal/config"
	"github.com/2389/coven-workbench/internal/store"
)

func runProject(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: coven-workbench project add|list ...")
	}
	_, st, err := loadStore()
	if err != nil {
		return err
	}
	defer st.Close()

	switch args[0] {
	case "add":
		flags, err := parseFlags(args[1:], "owner", "name", "path")
		if err != nil {
			return err
		}
		if err := required(flags, "owner", "path"); err != nil {
			return err
		}
		project, err := addProject(ctx, st, flags["owner"], flags["name"], flags["path"])
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\t%s\n", project.ID, project.Name, project.Path)
	case "list":
		flags, err := parseFlags(args[1:], "owner")
		if err != nil {
			return err
		}
		if err := required(flags, "owner"); err != nil {
			return err
		}
		user, err := lookupUser(ctx, st, flags["owner"])
		if err != nil {
			return err
		}
		projects, err := st.ListProjects(ctx, user.ID)
		if err != nil {
			return fmt.Errorf("listing projects: %w", err)
		}
		for _, p := range projects {
			fmt.Printf("%s\t%s\t%s\n", p.ID, p.Name, p.Path)
		}
	default:
		return fmt.Errorf("unknown project command: %s", args[0])
	}
	return nil
}

func runSession(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: coven-workbench session new|list --project ID ...")
	}
	cfg, st, err := loadStore()
	if err != nil {
		return err
	}
	defer st.Close()

	switch args[0] {
	case "new":
		flags, err := parseFlags(args[1:], "project", "name", "agent", "model")
		if err != nil {
			return err
		}
		if err := required(flags, "project"); err != nil {
			return err
		}
		sess, err := newSession(ctx, st, cfg, flags["project"], flags["name"], flags["agent"], flags["model"])
		if err != nil {
			return err
		}
		fmt.Println(sess.ID)
	case "list":
		flags, err := parseFlags(args[1:], "project")
		if err != nil {
			return err
		}
		if err := required(flags, "project"); err != nil {
			return err
		}
		sessions, err := st.ListSessions(ctx, flags["project"])
		if err != nil {
			return fmt.Errorf("listing sessions: %w", err)
		}
		for _, s := range sessions {
			fmt.Printf("%s\t%s\t%s\t%s\n", s.ID, s.Status, s.Agent, s.Name)
		}
	default:
		return fmt.Errorf("unknown session command: %s", args[0])
	}
	return nil
}

func runToken(ctx context.Context, args []string) error {
	flags, err := parseFlags(args, "username", "password")
	if err != nil {
		return err
	}
	if err := required(flags, "username", "password"); err != nil {
		return err
	}
	cfg, st, err := loadStore()
	if err != nil {
		return err
	}
	defer st.Close()

	token, err := issueToken(ctx, st, cfg, flags["username"], flags["password"])
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func lookupUser(ctx context.Context, st store.Store, username string) (*store.User, error) {
	user, err := st.GetUserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("no user named %q", username)
	}
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}
	return user, nil
}

// addProject registers dir for owner. The path is stored absolute and must be an existing directory.
func addProject(ctx context.Context, st store.Store, owner, name, dir string) (*store.Project, error) {
	user, err := lookupUser(ctx, st, owner)
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("checking path: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", abs)
	}
	if name == "" {
		name = filepath.Base(abs)
	}

	project := &store.Project{
		ID:        uuid.New().String(),
		OwnerID:   user.ID,
		Name:      name,
		Path:      abs,
		CreatedAt: time.Now().UTC(),
	}
	if err := st.CreateProject(ctx, project); err != nil {
		return nil, fmt.Errorf("creating project: %w", err)
	}
	return project, nil
}

// newSession creates an idle session owned by the project's owner.
func newSession(ctx context.Context, st store.Store, cfg *config.Config, projectID, name, agentName, model string) (*store.Session, error) {
	project, err := st.GetProject(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("no project with id %q", projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading project: %w", err)
	}

	if agentName == "" {
		agentName = cfg.Agents.Default
	}
	if _, ok := cfg.Agents.Profiles[agentName]; !ok {
		return nil, fmt.Errorf("unknown agent %q", agentName)
	}

	now := time.Now().UTC()
	sess := &store.Session{
		ID:        uuid.New().String(),
		ProjectID: project.ID,
		OwnerID:   project.OwnerID,
		Name:      name,
		Agent:     agentName,
		Model:     model,
		Status:    store.StatusIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := st.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return sess, nil
}

// issueToken checks the user's password and signs a token for the WebSocket endpoint.
func issueToken(ctx context.Context, st store.Store, cfg *config.Config, username, password string) (string, error) {
	var hash, userID string
	user, err := st.GetUserByUsername(ctx, username)
	switch {
	case err == nil:
		hash, userID = user.PasswordHash, user.ID
	case !errors.Is(err, store.ErrNotFound):
		return "", fmt.Errorf("loading user: %w", err)
	}
	if err := auth.CheckPassword(hash, password); err != nil {
		return "", err
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return "", err
	}
	token, err := verifier.Generate(userID, cfg.Auth.TokenTTL)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return token, nil
}
