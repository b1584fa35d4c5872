package snapshot

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/infinitybotlist/iblfile"
	"github.com/infinitybotlist/iblfile/encryptors/aes256"
	"github.com/infinitybotlist/iblfile/encryptors/noencryption"
)

const (
	exportNamespace = "snapshot"
	exportFileType  = "snapshot.guild"
)

func init() {
	iblfile.RegisterFormat(exportNamespace, &iblfile.Format{
		Format:  "guild",
		Version: FormatVersion,
		GetExtended: func(section map[string]*bytes.Buffer, meta *iblfile.Meta) (map[string]any, error) {
			return map[string]any{}, nil
		},
	})
}

// Export bundles a snapshot's manifest and assets into a single portable
// archive, optionally encrypted with the given key
func (e *Engine) Export(id string, encryptKey string, w io.Writer) error {
	m, err := e.Store.Load(id)

	if err != nil {
		return err
	}

	var aeSource iblfile.AutoEncryptor

	if encryptKey == "" {
		aeSource = noencryption.NoEncryptionSource{}
	} else {
		aeSource = aes256.AES256Source{
			EncryptionKey: encryptKey,
		}
	}

	f := iblfile.NewAutoEncryptedFile_FullFile(aeSource)

	buf, err := encodeMsgpack(m)

	if err != nil {
		return fmt.Errorf("error marshalling manifest: %w", err)
	}

	if err := f.WriteSection(buf, "manifest"); err != nil {
		return fmt.Errorf("error writing manifest section: %w", err)
	}

	assets, err := e.Store.Assets.List(id)

	if err != nil {
		return fmt.Errorf("error listing assets: %w", err)
	}

	for _, name := range assets {
		data, err := e.Store.Assets.Read(id, "assets/"+name)

		if err != nil {
			return fmt.Errorf("error reading asset %s: %w", name, err)
		}

		if err := f.WriteSection(bytes.NewBuffer(data), "assets/"+name); err != nil {
			return fmt.Errorf("error writing asset section %s: %w", name, err)
		}
	}

	metadata := iblfile.Meta{
		CreatedAt: time.Now(),
		Protocol:  iblfile.Protocol,
		Type:      exportFileType,
	}

	ifmt, err := iblfile.GetFormat(exportFileType)

	if err != nil {
		return fmt.Errorf("error getting format: %w", err)
	}

	metadata.FormatVersion = ifmt.Version

	if err := f.WriteJsonSection(metadata, "meta"); err != nil {
		return fmt.Errorf("error writing metadata: %w", err)
	}

	var out bytes.Buffer

	if err := f.WriteOutput(&out); err != nil {
		return fmt.Errorf("error writing archive: %w", err)
	}

	if _, err := io.Copy(w, &out); err != nil {
		return fmt.Errorf("error writing archive: %w", err)
	}

	return nil
}
