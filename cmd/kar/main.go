// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Command kar creates, lists and extracts kar archives.
//
//	kar -c dir -f out.kar [-author name] [-version n]
//	kar -l -f in.kar
//	kar -e name -f in.kar [-o file]
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/koru3d/rhi/utility/kar"
	"github.com/sirupsen/logrus"
)

var errUsage = errors.New("one of -c, -l or -e is required together with -f")

// create archives every regular file below dir, named by its slash
// separated path relative to dir.
func create(dir, archive, author string, version int64, log logrus.FieldLogger) error {
	if _, err := os.Stat(archive); err == nil {
		return fmt.Errorf("%s exists, will not overwrite", archive)
	}
	builder, err := kar.NewBuilder(kar.Header{
		Author:      author,
		DateCreated: time.Now().Unix(),
		Version:     version,
	})
	if err != nil {
		return err
	}
	defer builder.Close()

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		log.WithField("file", rel).Debug("Adding")
		return builder.Add(filepath.ToSlash(rel), f)
	})
	if err != nil {
		return err
	}

	out, err := os.Create(archive)
	if err != nil {
		return err
	}
	n, err := builder.WriteTo(out)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"files": builder.Len(), "bytes": n}).Info("Archive written")
	return nil
}

func list(w io.Writer, archive string) error {
	ar, err := kar.OpenFile(archive)
	if err != nil {
		return err
	}
	defer ar.Close()

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSIZE\tCOMPRESSED")
	for _, e := range ar.Header().Index {
		fmt.Fprintf(tw, "%s\t%d\t%d\n", e.Name, e.Size, e.CompressedSize)
	}
	return tw.Flush()
}

func extract(w io.Writer, archive, name string) error {
	ar, err := kar.OpenFile(archive)
	if err != nil {
		return err
	}
	defer ar.Close()

	r, err := ar.Open(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, r)
	return err
}

func main() {
	var (
		createDir = flag.String("c", "", "create an archive from a directory")
		doList    = flag.Bool("l", false, "list archive contents")
		name      = flag.String("e", "", "extract a file")
		archive   = flag.String("f", "", "archive path")
		output    = flag.String("o", "", "extraction output, stdout if empty")
		author    = flag.String("author", os.Getenv("USER"), "archive author")
		version   = flag.Int64("version", kar.FormatVersion, "archive version")
		verbose   = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	log := logrus.New()
	log.SetOutput(os.Stderr)
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	var err error
	switch {
	case *archive == "":
		err = errUsage
	case *createDir != "":
		err = create(*createDir, *archive, *author, *version, log)
	case *doList:
		err = list(os.Stdout, *archive)
	case *name != "":
		w := io.Writer(os.Stdout)
		if *output != "" {
			f, ferr := os.Create(*output)
			if ferr != nil {
				log.WithError(ferr).Fatal("Extraction failed")
			}
			defer f.Close()
			w = f
		}
		err = extract(w, *archive, *name)
	default:
		err = errUsage
	}
	if err != nil {
		if errors.Is(err, errUsage) {
			flag.Usage()
		}
		log.WithError(err).Fatal("kar failed")
	}
}
