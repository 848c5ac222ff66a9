package transfer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const stagingSuffix = ".part"

// StagingPath donne le fichier de staging d'une destination : un nom stable
// (UUID SHA1 de la destination), pour qu'une reprise tronque le même fichier.
func StagingPath(stagingDir, dest string) string {
	name := uuid.NewSHA1(uuid.NameSpaceURL, []byte(filepath.Clean(dest))).String()
	return filepath.Join(stagingDir, name+stagingSuffix)
}

// openStaging crée (ou tronque) le fichier de staging et lui donne sa taille finale.
func openStaging(path string, size int64) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open staging file: %w", err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("size staging file to %d: %w", size, err)
	}
	return f, nil
}

// finalize déplace le fichier de staging vers dest. Si le rename échoue (autre
// système de fichiers), le contenu est copié puis le staging supprimé.
func finalize(staging, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}
	if err := os.Rename(staging, dest); err == nil {
		return nil
	}
	if err := copyFile(staging, dest); err != nil {
		return err
	}
	return os.Remove(staging)
}

func copyFile(src, dest string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open staged file: %w", err)
	}
	defer in.Close()

	tmp := dest + stagingSuffix
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	defer func() {
		if err != nil {
			out.Close()
			os.Remove(tmp)
		}
	}()
	if _, err = io.Copy(out, in); err != nil {
		return fmt.Errorf("copy staged file: %w", err)
	}
	if err = out.Sync(); err != nil {
		return fmt.Errorf("sync destination: %w", err)
	}
	if err = out.Close(); err != nil {
		return fmt.Errorf("close destination: %w", err)
	}
	// Même répertoire que dest : ce rename-là est atomique.
	if err = os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("rename into destination: %w", err)
	}
	return nil
}
