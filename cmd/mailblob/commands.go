package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/jacktea/mailblob/pkg/gc"
	"github.com/jacktea/mailblob/pkg/incoming"
	"github.com/jacktea/mailblob/pkg/store"
	"github.com/jacktea/mailblob/pkg/volume"
	"github.com/jacktea/mailblob/pkg/xerrors"
)

// itemRef addresses one item revision from the command line.
type itemRef struct {
	mailbox  int64
	item     int64
	revision int
	locator  string
}

func (r *itemRef) bind(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&r.mailbox, "mailbox", 0, "mailbox id")
	cmd.Flags().Int64Var(&r.item, "item", 0, "item id")
	cmd.Flags().IntVar(&r.revision, "revision", 1, "item revision")
	cmd.Flags().StringVar(&r.locator, "locator", "", "volume locator (default current volume)")
	_ = cmd.MarkFlagRequired("mailbox")
	_ = cmd.MarkFlagRequired("item")
}

func storeManager() (context.Context, store.Manager, error) {
	if err := application.ensureStore(); err != nil {
		return nil, nil, err
	}
	return application.ctx, application.manager, nil
}

func newPutCmd() *cobra.Command {
	var ref itemRef
	var asIs bool
	cmd := &cobra.Command{
		Use:   "put [file]",
		Short: "Store a file (or stdin) as an item revision",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, m, err := storeManager()
			if err != nil {
				return err
			}
			var src io.Reader = os.Stdin
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				src = f
			}
			return doPut(ctx, m, ref, asIs, src, cmd.OutOrStdout())
		},
	}
	ref.bind(cmd)
	cmd.Flags().BoolVar(&asIs, "as-is", false, "store without compression")
	return cmd
}

func newCatCmd() *cobra.Command {
	var ref itemRef
	var offset, length int64
	cmd := &cobra.Command{
		Use:   "cat",
		Short: "Print an item revision, optionally a byte range of it",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, m, err := storeManager()
			if err != nil {
				return err
			}
			return doCat(ctx, m, ref, offset, length, cmd.OutOrStdout())
		},
	}
	ref.bind(cmd)
	cmd.Flags().Int64Var(&offset, "offset", 0, "first byte to print")
	cmd.Flags().Int64Var(&length, "length", -1, "bytes to print (negative prints to the end)")
	return cmd
}

func newRmCmd() *cobra.Command {
	var ref itemRef
	cmd := &cobra.Command{
		Use:   "rm",
		Short: "Delete an item revision",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, m, err := storeManager()
			if err != nil {
				return err
			}
			return doRm(ctx, m, ref, cmd.OutOrStdout())
		},
	}
	ref.bind(cmd)
	return cmd
}

func newPurgeCmd() *cobra.Command {
	var mailbox int64
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every blob of a mailbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, m, err := storeManager()
			if err != nil {
				return err
			}
			return doPurge(ctx, m, mailbox, cmd.OutOrStdout())
		},
	}
	cmd.Flags().Int64Var(&mailbox, "mailbox", 0, "mailbox id")
	_ = cmd.MarkFlagRequired("mailbox")
	return cmd
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one incoming sweep cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := application.ensureVolumes(); err != nil {
				return err
			}
			return doSweep(application.ctx, application.volumes, viper.GetDuration("incoming_max_age"), cmd.OutOrStdout())
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the store with its background sweeper until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			application.ctx = ctx
			_, m, err := storeManager()
			if err != nil {
				return err
			}
			return runServe(ctx, m, viper.GetDuration("sweep_interval"))
		},
	}
}

func newVolumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "volume",
		Short: "Inspect and change storage volumes",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := rootCmd.PersistentPreRunE(cmd, args); err != nil {
				return err
			}
			return application.ensureVolumes()
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List volumes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return doVolumeList(application.volumes, cmd.OutOrStdout())
		},
	})

	var (
		id        uint16
		typ       string
		name      string
		path      string
		compress  bool
		threshold int64
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a volume",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := volume.ParseType(typ)
			if err != nil {
				return err
			}
			v := volume.New(volume.ID(id), t, name, path)
			v.CompressBlobs = compress
			v.CompressionThreshold = threshold
			created, err := application.volumes.Create(application.ctx, v)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), created)
			return nil
		},
	}
	add.Flags().Uint16Var(&id, "id", 0, "volume id (0 assigns the next free id)")
	add.Flags().StringVar(&typ, "type", volume.TypeMessage.String(), "volume type: message|secondary|index")
	add.Flags().StringVar(&name, "name", "", "volume name")
	add.Flags().StringVar(&path, "path", "", "existing root directory")
	add.Flags().BoolVar(&compress, "compress", false, "compress blobs")
	add.Flags().Int64Var(&threshold, "threshold", 4096, "compression threshold in bytes")
	_ = add.MarkFlagRequired("name")
	_ = add.MarkFlagRequired("path")

	var curType string
	var curID uint16
	setCurrent := &cobra.Command{
		Use:   "set-current",
		Short: "Make a volume current for its type",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := volume.ParseType(curType)
			if err != nil {
				return err
			}
			return application.volumes.SetCurrent(application.ctx, t, volume.ID(curID))
		},
	}
	setCurrent.Flags().StringVar(&curType, "type", volume.TypeMessage.String(), "volume type")
	setCurrent.Flags().Uint16Var(&curID, "id", 0, "volume id (0 unsets)")

	var rmID uint16
	rm := &cobra.Command{
		Use:   "rm",
		Short: "Remove a non-current volume from the table",
		RunE: func(cmd *cobra.Command, args []string) error {
			deleted, err := application.volumes.Delete(application.ctx, volume.ID(rmID))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted=%t\n", deleted)
			return nil
		},
	}
	rm.Flags().Uint16Var(&rmID, "id", 0, "volume id")
	_ = rm.MarkFlagRequired("id")

	cmd.AddCommand(add, setCurrent, rm)
	return cmd
}

func newBackendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List registered store backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range store.Backends() {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

func doPut(ctx context.Context, m store.Manager, ref itemRef, asIs bool, r io.Reader, w io.Writer) error {
	b, err := m.StoreIncoming(ctx, r, asIs)
	if err != nil {
		return err
	}
	mbox := store.Mailbox{ID: ref.mailbox}
	staged, err := m.Stage(ctx, b, mbox)
	if err != nil {
		m.DeleteBlob(ctx, b)
		return err
	}
	mb, err := m.Link(ctx, staged, mbox, ref.item, ref.revision)
	if err != nil {
		m.DeleteStaged(ctx, staged)
		return err
	}
	if _, err := m.DeleteStaged(ctx, staged); err != nil {
		slog.Warn("staged blob left behind", "path", b.Path(), "err", err)
	}
	fmt.Fprintf(w, "%s\t%s\t%d\n", mb.Locator(), staged.Digest(), staged.Size())
	return nil
}

func doCat(ctx context.Context, m store.Manager, ref itemRef, offset, length int64, w io.Writer) error {
	if offset < 0 {
		return xerrors.E(xerrors.KindIllegalArgument, "cat", "negative offset")
	}
	mb, err := m.GetMailboxBlob(ctx, store.Mailbox{ID: ref.mailbox}, ref.item, ref.revision, ref.locator)
	if err != nil {
		return err
	}
	r, err := m.GetContent(ctx, mb)
	if err != nil {
		return err
	}
	defer r.Close()
	if offset == 0 && length < 0 {
		_, err = io.Copy(w, r)
		return err
	}
	end := int64(-1)
	if length >= 0 {
		end = r.Size()
		if offset < end && length < end-offset {
			end = offset + length
		}
	}
	sub, err := r.SubRange(min(offset, r.Size()), end)
	switch {
	case err == nil:
		defer sub.Close()
		_, err = io.Copy(w, sub)
		return err
	case xerrors.Is(err, xerrors.KindNotSupported):
		// Compressed without an uncompressed cache: stream up to the range.
		r.Skip(offset)
		var src io.Reader = r
		if length >= 0 {
			src = io.LimitReader(r, length)
		}
		_, err = io.Copy(w, src)
		return err
	default:
		return err
	}
}

func doRm(ctx context.Context, m store.Manager, ref itemRef, w io.Writer) error {
	mb, err := m.GetMailboxBlob(ctx, store.Mailbox{ID: ref.mailbox}, ref.item, ref.revision, ref.locator)
	if xerrors.IsNotFound(err) {
		fmt.Fprintln(w, "deleted=false")
		return nil
	}
	if err != nil {
		return err
	}
	deleted, err := m.DeleteMailboxBlob(ctx, mb)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "deleted=%t\n", deleted)
	return nil
}

func doPurge(ctx context.Context, m store.Manager, mailbox int64, w io.Writer) error {
	deleted, err := m.DeleteStore(ctx, store.Mailbox{ID: mailbox}, nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "deleted=%t\n", deleted)
	return nil
}

func doSweep(ctx context.Context, vm *volume.Manager, maxAge time.Duration, w io.Writer) error {
	sweeper := gc.NewSweeper(gc.Options{MaxAge: maxAge})
	for _, t := range []volume.Type{volume.TypeMessage, volume.TypeMessageSecondary} {
		for _, v := range vm.ByType(t) {
			sweeper.Register(incoming.New(v.IncomingDir()))
		}
	}
	count, err := sweeper.Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "sweep removed %d incoming files\n", count)
	return nil
}

// runServe blocks until ctx is canceled. With timing enabled the writer's
// latency counters are logged every interval.
func runServe(ctx context.Context, m store.Manager, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down")
		return store.Close(context.Background())
	})
	if router, ok := m.(*store.Router); ok {
		if timing, ok := router.Writer().(*store.TimingStore); ok {
			eg.Go(func() error {
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
						for _, op := range timing.Operations() {
							st := timing.Stats()[op]
							slog.Info("store timing", "op", op, "count", st.Count, "errors", st.Errors, "mean", st.Mean(), "max", st.Max)
						}
					}
				}
			})
		}
	}
	slog.Info("mailblob serving", "backend", viper.GetString("backend"))
	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func doVolumeList(vm *volume.Manager, w io.Writer) error {
	current := make(map[volume.ID]string)
	for _, t := range volume.Types {
		if v, ok := vm.Current(t); ok {
			current[v.ID] = "*"
		}
	}
	for _, v := range vm.List() {
		fmt.Fprintf(w, "%s%d\t%s\t%s\t%s\tcompress=%t\tthreshold=%d\n",
			current[v.ID], v.ID, v.Type, v.Name, v.RootPath, v.CompressBlobs, v.CompressionThreshold)
	}
	return nil
}
