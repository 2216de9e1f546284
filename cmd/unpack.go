package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/dargueta/nandkit/utilities/compression"
)

var unpackCommand = &cli.Command{
	Name:      "unpack",
	Usage:     "Decompress a dump",
	ArgsUsage: "INPUT OUTPUT",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "algorithm", Value: string(compression.RLE8), Usage: "rle8, zstd or lz4"},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 {
			return cli.ShowSubcommandHelp(c)
		}
		algorithm, err := compression.ParseAlgorithm(c.String("algorithm"))
		if err != nil {
			return err
		}

		sourceFilePath := c.Args().Get(0)
		outputFilePath := c.Args().Get(1)

		if algorithm != compression.RLE8 {
			packed, err := os.ReadFile(sourceFilePath)
			if err != nil {
				return err
			}
			data, err := compression.Decompress(algorithm, packed)
			if err != nil {
				return fmt.Errorf("expanding %s: %w", sourceFilePath, err)
			}
			if err := os.WriteFile(outputFilePath, data, 0o644); err != nil {
				return err
			}
			fmt.Printf("Decompressed input file to %d bytes.\n", len(data))
			return nil
		}

		// RLE8 dumps are streamed; they can be much larger than memory.
		sourceFile, err := os.Open(sourceFilePath)
		if err != nil {
			return fmt.Errorf("failed to open file for reading: `%v`: %w", sourceFilePath, err)
		}
		defer sourceFile.Close()

		outFile, err := os.Create(outputFilePath)
		if err != nil {
			return fmt.Errorf("failed to open file for writing: `%v`: %w", outputFilePath, err)
		}
		defer outFile.Close()

		nWritten, err := compression.DecompressImage(sourceFile, outFile)
		if err != nil {
			return fmt.Errorf("error expanding file: %w", err)
		}
		fmt.Printf("Decompressed input file to %d bytes.\n", nWritten)
		return outFile.Close()
	},
}
