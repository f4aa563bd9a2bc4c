// Package main is the entry point for the DM load test binary. It provides
// subcommands for different load testing scenarios:
//
//   - saturate: Connection saturation test
//   - converse: Pairs of users open conversations and exchange messages
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/whisper/dm/internal/identity"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "converse":
		runConverse(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test, opens N idle connections")
	fmt.Println("  converse    Pairs of users open a conversation and exchange messages")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}

// identityFlags are the flags every scenario needs to act as real users.
type identityFlags struct {
	secret    *string
	redisAddr *string
}

func addIdentityFlags(fs *flag.FlagSet) identityFlags {
	return identityFlags{
		secret:    fs.String("secret", os.Getenv("DM_AUTH_SECRET"), "Token signing secret shared with the server"),
		redisAddr: fs.String("redis", "localhost:6379", "Redis address used to register synthetic profiles (empty to skip)"),
	}
}

// users mints tokens for synthetic users and registers their profiles.
type users struct {
	run    string
	tokens *identity.Tokens
	dir    *identity.RedisDirectory
}

func newUsers(f identityFlags) (*users, error) {
	if *f.secret == "" {
		return nil, fmt.Errorf("-secret (or DM_AUTH_SECRET) is required")
	}
	u := &users{
		run:    uuid.NewString()[:8],
		tokens: identity.NewTokens(*f.secret, time.Hour),
	}
	if *f.redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: *f.redisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		u.dir = identity.NewRedisDirectoryFromClient(rdb, "loadtest")
	}
	return u, nil
}

// issue registers user i and returns its id and token.
func (u *users) issue(ctx context.Context, i int) (string, string, error) {
	id := fmt.Sprintf("lt-%s-%d", u.run, i)
	if u.dir != nil {
		err := u.dir.PutProfile(ctx, identity.Profile{UserID: id, DisplayName: fmt.Sprintf("Load %d", i)})
		if err != nil {
			return "", "", err
		}
	}
	tok, err := u.tokens.Issue(id)
	return id, tok, err
}

func (u *users) close() {
	if u.dir != nil {
		u.dir.Close()
	}
}
