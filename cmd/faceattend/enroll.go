package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/example/faceattend/internal/application"
	"github.com/example/faceattend/internal/frame"
)

// avatarFile is one <employee_no>.<ext> image found by the enroll command.
type avatarFile struct {
	path       string
	employeeNo string
	mime       string
}

type enrollSummary struct {
	Total    int
	Enrolled int
	Failed   map[string]string
}

func newEnrollCmd(a *app) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "enroll",
		Short: "Refresh avatars and face reps from <employee_no>.jpg files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, err := a.enroll(cmd, dir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enrolled %d of %d avatars\n", summary.Enrolled, summary.Total)
			if len(summary.Failed) > 0 {
				nos := make([]string, 0, len(summary.Failed))
				for no := range summary.Failed {
					nos = append(nos, no)
				}
				sort.Strings(nos)
				for _, no := range nos {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s: %s\n", no, summary.Failed[no])
				}
				return fmt.Errorf("%d avatars failed", len(summary.Failed))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "directory of <employee_no>.jpg avatar images")
	_ = cmd.MarkFlagRequired("dir")
	return cmd
}

func (a *app) enroll(cmd *cobra.Command, dir string) (enrollSummary, error) {
	ctx := cmd.Context()
	files, err := scanAvatars(dir)
	if err != nil {
		return enrollSummary{}, err
	}
	summary := enrollSummary{Total: len(files), Failed: map[string]string{}}
	if len(files) == 0 {
		return summary, nil
	}

	store, err := openMigratedStore(ctx, a.cfg.DB, a.logger)
	if err != nil {
		return summary, err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			a.logger.Error("failed to close storage", "error", cerr)
		}
	}()

	engine, err := a.newEngine(ctx, a.cfg, a.logger)
	if err != nil {
		return summary, fmt.Errorf("start face engine: %w", err)
	}
	defer engine.Close()

	service := application.NewEnrollmentService(store, engine, application.DefaultEnrollmentTimeout, a.logger)

	bar := progressbar.NewOptions64(int64(len(files)),
		progressbar.OptionSetDescription("enrolling"),
		progressbar.OptionSetWriter(cmd.ErrOrStderr()),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if err := enrollAvatar(ctx, service, f); err != nil {
			summary.Failed[f.employeeNo] = describeEnrollError(err)
			a.logger.WarnContext(ctx, "avatar not enrolled", "employee_no", f.employeeNo, "path", f.path, "error", err, "error_kind", application.ErrorKind(err))
		} else {
			summary.Enrolled++
		}
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	return summary, nil
}

func enrollAvatar(ctx context.Context, service *application.EnrollmentService, f avatarFile) error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return err
	}
	_, err = service.ChangeAvatarByNo(ctx, f.employeeNo, frame.EncodeDataURL(f.mime, data))
	return err
}

func describeEnrollError(err error) string {
	switch {
	case errors.Is(err, application.ErrNotFound):
		return "unknown employee"
	case errors.Is(err, application.ErrNoFaceDetected):
		return "no face detected"
	case errors.Is(err, application.ErrMultipleFacesDetected):
		return "more than one face detected"
	default:
		return err.Error()
	}
}

// scanAvatars lists the avatar images of dir sorted by employee number.
func scanAvatars(dir string) ([]avatarFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read avatar directory: %w", err)
	}
	files := make([]avatarFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		var mime string
		switch strings.ToLower(ext) {
		case ".jpg", ".jpeg":
			mime = frame.MimeJPEG
		case ".png":
			mime = frame.MimePNG
		default:
			continue
		}
		no := strings.TrimSpace(strings.TrimSuffix(entry.Name(), ext))
		if no == "" {
			continue
		}
		files = append(files, avatarFile{path: filepath.Join(dir, entry.Name()), employeeNo: no, mime: mime})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].employeeNo < files[j].employeeNo })
	return files, nil
}
