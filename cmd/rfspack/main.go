// Command rfspack packs a directory of flat binaries into a rustedfs
// image: a root directory containing /bin, with every named file beneath
// it.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/rustedfs/rfs/pack"
)

func main() {
	app := &cli.App{
		Usage: "Pack a directory of binaries into a rustedfs image",
		Commands: []*cli.Command{
			{
				Name:   "pack",
				Usage:  "Format a new image and copy binaries into /bin",
				Action: runPack,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "source",
						Aliases:  []string{"s"},
						Usage:    "Directory of flat binaries to pack",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "target",
						Aliases:  []string{"t"},
						Usage:    "Output directory; fs.img is created there",
						Required: true,
					},
					&cli.UintFlag{
						Name:     "blocks",
						Aliases:  []string{"b"},
						Usage:    "Image size, in 512-byte blocks",
						Required: true,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}

func runPack(c *cli.Context) error {
	opts := pack.Options{
		SourceDir:   c.String("source"),
		TargetDir:   c.String("target"),
		TotalBlocks: uint32(c.Uint("blocks")),
	}

	fmt.Printf("source = %s\n", opts.SourceDir)
	fmt.Printf("target = %s\n", opts.TargetDir)

	if err := pack.Pack(opts); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return nil
}
