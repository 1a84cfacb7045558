package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/flybeeper/geolog/internal/models"
)

// profileFile формат файла экспорта профилей
type profileFile struct {
	Profiles []*models.Profile `yaml:"profiles"`
}

func newProfilesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "Manage sampling profiles",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List profiles",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.listProfiles(cmd)
			},
		},
		&cobra.Command{
			Use:   "show <id>",
			Short: "Show a profile as YAML",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.showProfile(cmd, args[0])
			},
		},
		&cobra.Command{
			Use:   "export <file>",
			Short: "Write all profiles to a YAML file (- for stdout)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.exportProfiles(cmd, args[0])
			},
		},
		&cobra.Command{
			Use:   "import <file>",
			Short: "Read profiles from a YAML file and save them as user profiles",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.importProfiles(cmd, args[0])
			},
		},
	)
	return cmd
}

func (a *app) listProfiles(cmd *cobra.Command) error {
	storage, err := a.openStorage(cmd.Context())
	if err != nil {
		return err
	}
	defer storage.Close()

	profiles, err := storage.ListProfiles(cmd.Context())
	if err != nil {
		return fmt.Errorf("list profiles: %w", err)
	}

	if a.jsonOutput() {
		return writeJSON(cmd.OutOrStdout(), profiles)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tKIND\tRELAX\tUNKNOWN")
	for _, p := range profiles {
		u := p.Unknown.Normalized()
		fmt.Fprintf(tw, "%d\t%s\t%s\t%ds\t%s/%ds\n", p.ID, p.Name, p.Kind, p.RelaxDelay(), u.Accuracy, u.LocationInterval)
	}
	return tw.Flush()
}

func (a *app) showProfile(cmd *cobra.Command, arg string) error {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid profile id %q", arg)
	}

	storage, err := a.openStorage(cmd.Context())
	if err != nil {
		return err
	}
	defer storage.Close()

	p, err := storage.GetProfileByID(cmd.Context(), id)
	if err != nil {
		return fmt.Errorf("profile %d: %w", id, err)
	}

	if a.jsonOutput() {
		return writeJSON(cmd.OutOrStdout(), p)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "# id: %d\n", p.ID)
	return encodeYAML(cmd.OutOrStdout(), p)
}

func (a *app) exportProfiles(cmd *cobra.Command, path string) error {
	storage, err := a.openStorage(cmd.Context())
	if err != nil {
		return err
	}
	defer storage.Close()

	profiles, err := storage.ListProfiles(cmd.Context())
	if err != nil {
		return fmt.Errorf("list profiles: %w", err)
	}

	w, closeFn, err := createOutput(cmd, path)
	if err != nil {
		return err
	}
	if err := encodeYAML(w, profileFile{Profiles: profiles}); err != nil {
		closeFn()
		return err
	}
	if err := closeFn(); err != nil {
		return err
	}

	a.logger.WithFields(map[string]interface{}{
		"file":     path,
		"profiles": len(profiles),
	}).Info("Profiles exported")
	return nil
}

func (a *app) importProfiles(cmd *cobra.Command, path string) error {
	data, err := readInput(cmd, path)
	if err != nil {
		return err
	}

	var file profileFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	// Проверяем все профили до записи
	imported := make([]*models.Profile, 0, len(file.Profiles))
	for i, p := range file.Profiles {
		if p == nil {
			continue
		}
		c := p.Copy(p.Name)
		if err := c.Validate(); err != nil {
			return fmt.Errorf("profile %d (%q): %w", i+1, p.Name, err)
		}
		imported = append(imported, c)
	}

	storage, err := a.openStorage(cmd.Context())
	if err != nil {
		return err
	}
	defer storage.Close()

	for _, p := range imported {
		id, err := storage.SaveProfile(cmd.Context(), p)
		if err != nil {
			return fmt.Errorf("save profile %q: %w", p.Name, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", id, p.Name)
	}

	a.logger.WithFields(map[string]interface{}{
		"file":     path,
		"profiles": len(imported),
	}).Info("Profiles imported")
	return nil
}

func encodeYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	return enc.Close()
}

// createOutput открывает файл на запись; "-" означает stdout
func createOutput(cmd *cobra.Command, path string) (io.Writer, func() error, error) {
	if path == "-" || path == "" {
		return cmd.OutOrStdout(), func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create %s: %w", path, err)
	}
	return f, f.Close, nil
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}
