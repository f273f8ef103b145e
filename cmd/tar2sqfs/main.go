package main

import (
	"archive/tar"
	"fmt"
	"io"
	"os"

	"github.com/KarpelesLab/sqsh"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

var (
	blockLog     uint16
	compName     string
	dedup        bool
	singleThread bool
)

var rootCmd = &cobra.Command{
	Use:   "tar2sqfs <output.sqfs> [input.tar]",
	Short: "Convert a tar archive into a SquashFS image",
	Long: `tar2sqfs reads a tar archive (from a file or stdin) and writes a
read-only compressed SquashFS image containing its entries.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: run,
}

func init() {
	rootCmd.Flags().Uint16VarP(&blockLog, "block-log", "b", 17, "base-2 log of the data block size (12..20)")
	rootCmd.Flags().StringVarP(&compName, "compression", "c", "gzip", "compression algorithm (gzip, lzma, xz, lz4, zstd)")
	rootCmd.Flags().BoolVar(&dedup, "dedup", false, "deduplicate identical blocks and fragment tails")
	rootCmd.Flags().BoolVar(&singleThread, "single-thread", false, "compress on the main thread")
}

func run(cmd *cobra.Command, args []string) error {
	comp, err := sqsh.CompressionByName(compName)
	if err != nil {
		return err
	}

	var in io.Reader = os.Stdin
	if len(args) > 1 {
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	opts := []sqsh.WriterOption{
		sqsh.WithBlockLog(blockLog),
		sqsh.WithCompression(comp),
	}
	if dedup {
		opts = append(opts, sqsh.WithDedup())
	}
	if singleThread {
		opts = append(opts, sqsh.WithSingleThread())
	}

	w, err := sqsh.Create(args[0], opts...)
	if err != nil {
		return err
	}
	defer w.Close()

	if err := convert(w, tar.NewReader(in)); err != nil {
		os.Remove(args[0])
		return err
	}
	if err := w.Finalize(); err != nil {
		os.Remove(args[0])
		return err
	}

	logrus.WithField("image", args[0]).Info("image written")
	return nil
}

func convert(w *sqsh.Writer, tr *tar.Reader) error {
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		n, err := addEntry(w, tr, hdr)
		if err != nil {
			return fmt.Errorf("adding %s: %w", hdr.Name, err)
		}
		if n == nil {
			continue
		}

		n.SetMode(uint16(hdr.Mode & 07777))
		n.SetUID(uint32(hdr.Uid))
		n.SetGID(uint32(hdr.Gid))
		n.SetMTime(uint32(hdr.ModTime.Unix()))
	}
}

func addEntry(w *sqsh.Writer, tr *tar.Reader, hdr *tar.Header) (*sqsh.Node, error) {
	switch hdr.Typeflag {
	case tar.TypeDir:
		return w.SubdirPath(hdr.Name)

	case tar.TypeReg:
		n, err := w.PutFilePath(hdr.Name)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 32*1024)
		for {
			c, err := tr.Read(buf)
			if c > 0 {
				if werr := w.Append(n, buf[:c]); werr != nil {
					return nil, werr
				}
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, err
			}
		}
		return n, w.FinishFile(n)

	case tar.TypeSymlink:
		return w.PutSymlinkPath(hdr.Name, hdr.Linkname)

	case tar.TypeBlock:
		rdev := unix.Mkdev(uint32(hdr.Devmajor), uint32(hdr.Devminor))
		return w.PutDevicePath(hdr.Name, sqsh.BlockDevType, uint32(rdev))

	case tar.TypeChar:
		rdev := unix.Mkdev(uint32(hdr.Devmajor), uint32(hdr.Devminor))
		return w.PutDevicePath(hdr.Name, sqsh.CharDevType, uint32(rdev))

	case tar.TypeFifo:
		return w.PutIPCPath(hdr.Name, sqsh.FifoType)

	case tar.TypeLink:
		// hard links are not supported in the tree, keep going
		logrus.WithField("name", hdr.Name).Warn("skipping hard link")
		return nil, nil

	default:
		logrus.WithFields(logrus.Fields{
			"name": hdr.Name,
			"type": hdr.Typeflag,
		}).Warn("skipping unsupported entry type")
		return nil, nil
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Fatal("conversion failed")
	}
}
