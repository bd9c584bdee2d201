package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/matteso1/crabdb/internal/client"
)

func main() {
	app := &cli.App{
		Name:  "crabdb-cli",
		Usage: "read and write keys on a CrabDb server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Value:   "127.0.0.1:50051",
				Usage:   "server address",
				EnvVars: []string{"CRABDB_SERVER"},
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 10 * time.Second,
				Usage: "per-command timeout",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "write",
				Usage:     "store a value under a key",
				ArgsUsage: "<key>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "data", Aliases: []string{"d"}, Usage: "value to store"},
					&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "read the value from a file"},
					&cli.IntFlag{Name: "count", Value: 1, Usage: "number of keys to write, suffixed -0, -1, ..."},
				},
				Action: writeCmd,
			},
			{
				Name:      "read",
				Usage:     "print the value stored under a key",
				ArgsUsage: "<key>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "write the value to a file instead of stdout"},
				},
				Action: readCmd,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("crabdb-cli failed")
	}
}

func connect(c *cli.Context) (*client.Client, context.Context, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	cl, err := client.Dial(ctx, c.String("server"))
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return cl, ctx, cancel, nil
}

func keyArg(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", errors.Errorf("%s expects exactly one key", c.Command.Name)
	}
	return c.Args().First(), nil
}

func writeCmd(c *cli.Context) error {
	key, err := keyArg(c)
	if err != nil {
		return err
	}

	data := []byte(c.String("data"))
	if path := c.String("file"); path != "" {
		if data, err = os.ReadFile(path); err != nil {
			return errors.Wrapf(err, "read %s", path)
		}
	}

	cl, ctx, cancel, err := connect(c)
	if err != nil {
		return err
	}
	defer cancel()
	defer cl.Close()

	count := c.Int("count")
	for i := 0; i < count; i++ {
		k := key
		if count > 1 {
			k = fmt.Sprintf("%s-%d", key, i)
		}
		message, err := cl.Write(ctx, k, data)
		if err != nil {
			return err
		}
		fmt.Printf("✓ %s (%s)\n", message, humanize.Bytes(uint64(len(data))))
	}
	return nil
}

func readCmd(c *cli.Context) error {
	key, err := keyArg(c)
	if err != nil {
		return err
	}

	cl, ctx, cancel, err := connect(c)
	if err != nil {
		return err
	}
	defer cancel()
	defer cl.Close()

	data, found, err := cl.Read(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return cli.Exit(fmt.Sprintf("key %q not found", key), 1)
	}

	if path := c.String("output"); path != "" {
		if err := os.WriteFile(path, data, 0644); err != nil {
			return errors.Wrapf(err, "write %s", path)
		}
		fmt.Printf("✓ wrote %s to %s\n", humanize.Bytes(uint64(len(data))), path)
		return nil
	}
	return printValue(os.Stdout, data)
}

func printValue(w io.Writer, data []byte) error {
	if _, err := fmt.Fprintln(w, string(data)); err != nil {
		return errors.Wrap(err, "write value")
	}
	return nil
}
