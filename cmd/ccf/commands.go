package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/urfave/cli/v2"

	"github.com/ZaninAndrea/ccf/internal/ccf"
	"github.com/ZaninAndrea/ccf/internal/csvconv"
)

func encodeCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "encode",
		Usage: "convert a CSV file to CCF",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "in", Required: true, Usage: "CSV input, a path or s3://bucket/key, lz4 compressed when it ends in .lz4"},
			&cli.StringFlag{Name: "out", Required: true, Usage: "CCF output, a path or s3://bucket/key"},
			&cli.StringFlag{Name: "schema", Usage: "comma separated name:type pairs with type int, float or str, inferred from the data when empty"},
			&cli.IntFlag{Name: "level", Value: ccf.DefaultCompressionLevel, Usage: "zlib compression level of the column blocks"},
			&cli.StringFlag{Name: "delimiter", Value: ",", Usage: "CSV field delimiter"},
		},
		Action: func(c *cli.Context) error {
			conf := &csvconv.ReaderConf{}
			if schema := c.String("schema"); schema != "" {
				columns, err := csvconv.ParseSchema(schema)
				if err != nil {
					return err
				}
				conf.Schema = columns
			}
			delimiter := []rune(c.String("delimiter"))
			if len(delimiter) != 1 {
				return fmt.Errorf("the delimiter must be a single character, got %q", c.String("delimiter"))
			}
			conf.Delimiter = delimiter[0]

			input, err := e.storage.OpenInput(c.Context, c.String("in"))
			if err != nil {
				return err
			}
			columns, rows, err := csvconv.ReadCSV(input, conf)
			if closeErr := input.Close(); closeErr != nil {
				err = multierror.Append(err, closeErr)
			}
			if err != nil {
				return fmt.Errorf("reading %s: %w", c.String("in"), err)
			}

			output, err := e.storage.Create(c.Context, c.String("out"))
			if err != nil {
				return err
			}
			writer, err := ccf.NewWriter(columns, output, &ccf.WriterConf{CompressionLevel: c.Int("level")})
			if err != nil {
				return multierror.Append(err, output.Close())
			}
			if err := writer.Write(rows); err != nil {
				return multierror.Append(err, writer.Close())
			}
			if err := writer.Close(); err != nil {
				return fmt.Errorf("writing %s: %w", c.String("out"), err)
			}

			level.Info(e.logger).Log("msg", "wrote ccf file", "out", c.String("out"), "rows", len(rows), "columns", len(columns))
			return nil
		},
	}
}

func decodeCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "decode",
		Usage: "convert a CCF file to CSV",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "in", Required: true, Usage: "CCF input, a path or s3://bucket/key"},
			&cli.StringFlag{Name: "out", Required: true, Usage: "CSV output, a path or s3://bucket/key, lz4 compressed when it ends in .lz4"},
			&cli.StringSliceFlag{Name: "columns", Usage: "comma separated columns to decode, all of them when empty"},
		},
		Action: func(c *cli.Context) error {
			reader, err := openReader(e, c, c.String("in"))
			if err != nil {
				return err
			}
			defer reader.Close()

			var table *ccf.Table
			if columns := c.StringSlice("columns"); len(columns) > 0 {
				table, err = reader.ReadColumns(columns...)
			} else {
				table, err = reader.ReadAll()
			}
			if err != nil {
				return fmt.Errorf("reading %s: %w", c.String("in"), err)
			}

			output, err := e.storage.CreateOutput(c.Context, c.String("out"))
			if err != nil {
				return err
			}
			err = csvconv.WriteCSV(output, table)
			if closeErr := output.Close(); closeErr != nil {
				err = multierror.Append(err, closeErr)
			}
			if err != nil {
				return fmt.Errorf("writing %s: %w", c.String("out"), err)
			}

			level.Info(e.logger).Log("msg", "wrote csv file", "out", c.String("out"), "rows", table.NumRows, "columns", len(table.Columns))
			return nil
		},
	}
}

func inspectCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "print the header of a CCF file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "in", Required: true, Usage: "CCF input, a path or s3://bucket/key"},
		},
		Action: func(c *cli.Context) error {
			reader, err := openReader(e, c, c.String("in"))
			if err != nil {
				return err
			}
			defer reader.Close()

			header := reader.Header()
			w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "version\t%d\n", header.Version)
			fmt.Fprintf(w, "rows\t%d\n", header.NumRows)
			fmt.Fprintf(w, "columns\t%d\n", len(header.Columns))
			fmt.Fprintf(w, "header size\t%d\n", header.DataOffset())
			fmt.Fprintf(w, "compressed size\t%d\n", header.CompressedSize())
			fmt.Fprintf(w, "uncompressed size\t%d\n", header.UncompressedSize())
			fmt.Fprintln(w)
			fmt.Fprintln(w, "NAME\tTYPE\tOFFSET\tCOMPRESSED\tUNCOMPRESSED")
			for _, col := range header.Columns {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n", col.Name, col.Type, col.Offset, col.CompressedSize, col.UncompressedSize)
			}
			return w.Flush()
		},
	}
}

func openReader(e *env, c *cli.Context, uri string) (*ccf.Reader, error) {
	file, err := e.storage.Open(c.Context, uri)
	if err != nil {
		return nil, err
	}

	reader, err := ccf.NewReader(file)
	if err != nil {
		return nil, multierror.Append(fmt.Errorf("opening %s: %w", uri, err), file.Close())
	}
	return reader, nil
}
