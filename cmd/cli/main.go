package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/glizzus/voicecore/internal/config"
	"github.com/glizzus/voicecore/internal/datalayer"
	"github.com/glizzus/voicecore/internal/repository"
	"github.com/glizzus/voicecore/internal/verify"
)

var stdinReader = bufio.NewReader(os.Stdin)

func prompt(label string) string {
	fmt.Printf("%s: ", label)
	input, _ := stdinReader.ReadString('\n')
	return strings.TrimSpace(input)
}

func hexFlag(c *cli.Context, name string) ([]byte, error) {
	b, err := hex.DecodeString(c.String(name))
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("--%s is not valid hex: %v", name, err), 1)
	}
	return b, nil
}

var userFlag = &cli.StringFlag{
	Name:     "user-id",
	Usage:    "Discord user ID (a 64-bit snowflake)",
	Required: true,
}

var keyFlag = &cli.StringFlag{
	Name:     "key",
	Usage:    "Hex-encoded signature public key",
	Required: true,
}

// repo is set by the peers command's Before hook.
var repo *repository.PostgresPeerRepository

func connectRepository(c *cli.Context) error {
	pool, err := datalayer.NewPostgresPoolFromEnv(c.Context)
	if err != nil {
		return cli.Exit("Failed to create postgres pool: "+err.Error(), 1)
	}
	if err := datalayer.MigratePostgres(pool); err != nil {
		pool.Close()
		return cli.Exit("Failed to migrate postgres: "+err.Error(), 1)
	}
	repo = repository.NewPostgresPeerRepository(pool)
	return nil
}

func main() {
	if err := config.LoadEnv(); err != nil && !os.IsNotExist(err) {
		log.Fatalf("Failed to load .env file: %v", err)
	}

	app := &cli.App{
		Name:        "voicecore-cli",
		Description: "A development CLI for computing verification codes and managing trusted keys",
		Commands: []*cli.Command{
			{
				Name:  "fingerprint",
				Usage: "Print the fingerprint of a user's key",
				Flags: []cli.Flag{userFlag, keyFlag},
				Action: func(c *cli.Context) error {
					key, err := hexFlag(c, "key")
					if err != nil {
						return err
					}
					fp, err := verify.KeyFingerprint(verify.Version, key, c.String("user-id"))
					if err != nil {
						return cli.Exit("Failed to compute fingerprint: "+err.Error(), 1)
					}
					fmt.Println(hex.EncodeToString(fp))
					return nil
				},
			},
			{
				Name:  "pairwise",
				Usage: "Print the code two users compare to verify each other",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "local-user-id", Required: true},
					&cli.StringFlag{Name: "local-key", Usage: "Hex-encoded key", Required: true},
					&cli.StringFlag{Name: "remote-user-id", Required: true},
					&cli.StringFlag{Name: "remote-key", Usage: "Hex-encoded key", Required: true},
				},
				Action: func(c *cli.Context) error {
					localKey, err := hexFlag(c, "local-key")
					if err != nil {
						return err
					}
					remoteKey, err := hexFlag(c, "remote-key")
					if err != nil {
						return err
					}
					code, err := verify.PairwiseCode(verify.Version,
						localKey, c.String("local-user-id"),
						remoteKey, c.String("remote-user-id"))
					if err != nil {
						return cli.Exit("Failed to compute pairwise code: "+err.Error(), 1)
					}
					fmt.Println(code)
					return nil
				},
			},
			{
				Name:  "code",
				Usage: "Print the privacy code for an epoch authenticator",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "authenticator", Usage: "Hex-encoded epoch authenticator", Required: true},
				},
				Action: func(c *cli.Context) error {
					authenticator, err := hexFlag(c, "authenticator")
					if err != nil {
						return err
					}
					code, err := verify.PrivacyCode(authenticator)
					if err != nil {
						return cli.Exit("Failed to compute privacy code: "+err.Error(), 1)
					}
					fmt.Println(code)
					return nil
				},
			},
			{
				Name:   "peers",
				Usage:  "Manage verified peers in the trust store",
				Before: connectRepository,
				Subcommands: []*cli.Command{
					{
						Name:  "list",
						Usage: "List every verified peer",
						Action: func(c *cli.Context) error {
							peers, err := repo.List(c.Context)
							if err != nil {
								return cli.Exit("Failed to retrieve peers: "+err.Error(), 1)
							}
							if len(peers) == 0 {
								log.Println("No verified peers.")
								return nil
							}
							for _, p := range peers {
								fmt.Printf("%s\t%x\t%s\n", p.UserID, p.Fingerprint, p.VerifiedAt.Format("2006-01-02 15:04:05"))
							}
							return nil
						},
					},
					{
						Name:  "trust",
						Usage: "Mark a user's key as verified",
						Flags: []cli.Flag{userFlag, keyFlag},
						Action: func(c *cli.Context) error {
							userID := c.String("user-id")
							key, err := hexFlag(c, "key")
							if err != nil {
								return err
							}
							fp, err := verify.KeyFingerprint(verify.Version, key, userID)
							if err != nil {
								return cli.Exit("Failed to compute fingerprint: "+err.Error(), 1)
							}
							if err := repo.MarkVerified(c.Context, userID, fp); err != nil {
								return cli.Exit("Failed to save peer: "+err.Error(), 1)
							}
							log.Printf("Trusted %s with fingerprint %x", userID, fp[:8])
							return nil
						},
					},
					{
						Name:  "forget",
						Usage: "Remove a verified peer",
						Flags: []cli.Flag{
							userFlag,
							&cli.BoolFlag{Name: "yes", Usage: "Do not ask for confirmation"},
						},
						Action: func(c *cli.Context) error {
							userID := c.String("user-id")
							if !c.Bool("yes") && prompt("Forget "+userID+"? (y/N)") != "y" {
								log.Println("Aborted.")
								return nil
							}
							if err := repo.Delete(c.Context, userID); err != nil {
								return cli.Exit("Failed to delete peer: "+err.Error(), 1)
							}
							log.Println("Peer forgotten.")
							return nil
						},
					},
					{
						Name:  "history",
						Usage: "List the keys a peer was trusted with before",
						Flags: []cli.Flag{userFlag},
						Action: func(c *cli.Context) error {
							changes, err := repo.KeyChanges(c.Context, c.String("user-id"))
							if err != nil {
								return cli.Exit("Failed to retrieve key changes: "+err.Error(), 1)
							}
							for _, change := range changes {
								fmt.Printf("%x\t%s\n", change.Fingerprint, change.SeenAt.Format("2006-01-02 15:04:05"))
							}
							return nil
						},
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Error running CLI: %v", err)
	}
}
