package archive

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/davidahmann/sterile/core/sign"
)

const (
	archiveSuffix = ".tar.gz"
	noteSuffix    = "_NOTE.txt"
	commitShort   = 7
	rootShort     = 12
)

var (
	namePartPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9.-]*$`)
	hex64Pattern    = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// Note binds a commit, a Merkle root, and the exact archive bytes. It is the
// portable proof that travels with an archive.
type Note struct {
	Commit        string          `json:"commit"`
	MerkleRoot    string          `json:"merkle_root"`
	Archive       string          `json:"archive"`
	ArchiveSHA256 string          `json:"archive_sha256"`
	Signature     *sign.Signature `json:"signature,omitempty"`
}

// ArchiveName is <prefix>_<commit[:7]>_<root[:12]>.tar.gz.
func ArchiveName(prefix, commit, merkleRoot string) (string, error) {
	if !namePartPattern.MatchString(prefix) {
		return "", fmt.Errorf("invalid archive prefix %q", prefix)
	}
	if !namePartPattern.MatchString(commit) || strings.Contains(commit, ".") {
		return "", fmt.Errorf("invalid commit id %q", commit)
	}
	if !hex64Pattern.MatchString(merkleRoot) {
		return "", fmt.Errorf("invalid merkle root %q", merkleRoot)
	}
	return fmt.Sprintf("%s_%s_%s%s", prefix, shorten(commit, commitShort), merkleRoot[:rootShort], archiveSuffix), nil
}

// ParseArchiveName splits an archive filename into its fingerprint parts.
func ParseArchiveName(name string) (prefix, commit, root string, err error) {
	stem, ok := strings.CutSuffix(name, archiveSuffix)
	if !ok {
		return "", "", "", fmt.Errorf("archive name %q must end in %s", name, archiveSuffix)
	}
	parts := strings.Split(stem, "_")
	if len(parts) < 3 {
		return "", "", "", fmt.Errorf("archive name %q is not <prefix>_<commit>_<root>%s", name, archiveSuffix)
	}
	root = parts[len(parts)-1]
	commit = parts[len(parts)-2]
	prefix = strings.Join(parts[:len(parts)-2], "_")
	if len(root) != rootShort || !regexp.MustCompile(`^[0-9a-f]+$`).MatchString(root) {
		return "", "", "", fmt.Errorf("archive name %q has malformed root fingerprint", name)
	}
	return prefix, commit, root, nil
}

// NotePath returns the note that belongs to archivePath: <stem>_NOTE.txt.
func NotePath(archivePath string) string {
	return strings.TrimSuffix(archivePath, archiveSuffix) + noteSuffix
}

func shorten(value string, n int) string {
	if len(value) <= n {
		return value
	}
	return value[:n]
}

func (n Note) body() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Commit: %s\n", n.Commit)
	fmt.Fprintf(&b, "MerkleRoot: %s\n", n.MerkleRoot)
	fmt.Fprintf(&b, "Archive: %s\n", n.Archive)
	fmt.Fprintf(&b, "ArchiveSHA256: %s\n", n.ArchiveSHA256)
	return b.String()
}

// Digest is the sha256 of the unsigned note body; signatures cover it.
func (n Note) Digest() string {
	return SHA256Hex([]byte(n.body()))
}

func (n Note) Render() []byte {
	out := n.body()
	if n.Signature != nil {
		out += fmt.Sprintf("SignatureAlg: %s\n", n.Signature.Alg)
		out += fmt.Sprintf("SignatureKeyID: %s\n", n.Signature.KeyID)
		out += fmt.Sprintf("Signature: %s\n", n.Signature.Sig)
	}
	return []byte(out)
}

func (n *Note) Sign(priv ed25519.PrivateKey) error {
	sig, err := sign.SignNoteDigest(priv, n.Digest())
	if err != nil {
		return fmt.Errorf("sign note: %w", err)
	}
	n.Signature = &sig
	return nil
}

// VerifySignature checks the note signature against pub. A note without a
// signature fails.
func (n Note) VerifySignature(pub ed25519.PublicKey) error {
	if n.Signature == nil {
		return fmt.Errorf("note is not signed")
	}
	sig := *n.Signature
	sig.SignedDigest = n.Digest()
	ok, err := sign.VerifyNoteDigest(pub, sig)
	if err != nil {
		return fmt.Errorf("verify note signature: %w", err)
	}
	if !ok {
		return fmt.Errorf("note signature does not match note contents")
	}
	return nil
}

func ParseNote(data []byte) (Note, error) {
	fields := map[string]string{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}
		key, value, ok := strings.Cut(text, ":")
		if !ok {
			return Note{}, fmt.Errorf("note line %d: expected 'Key: value'", line)
		}
		key = strings.TrimSpace(key)
		switch key {
		case "Commit", "MerkleRoot", "Archive", "ArchiveSHA256", "SignatureAlg", "SignatureKeyID", "Signature":
		default:
			return Note{}, fmt.Errorf("note line %d: unknown field %q", line, key)
		}
		if _, dup := fields[key]; dup {
			return Note{}, fmt.Errorf("note line %d: duplicate field %q", line, key)
		}
		fields[key] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return Note{}, fmt.Errorf("read note: %w", err)
	}
	for _, required := range []string{"Commit", "MerkleRoot", "Archive", "ArchiveSHA256"} {
		if fields[required] == "" {
			return Note{}, fmt.Errorf("note missing %s", required)
		}
	}
	if !hex64Pattern.MatchString(fields["MerkleRoot"]) {
		return Note{}, fmt.Errorf("note MerkleRoot is not a sha256 hex digest")
	}
	if !hex64Pattern.MatchString(fields["ArchiveSHA256"]) {
		return Note{}, fmt.Errorf("note ArchiveSHA256 is not a sha256 hex digest")
	}
	note := Note{
		Commit:        fields["Commit"],
		MerkleRoot:    fields["MerkleRoot"],
		Archive:       fields["Archive"],
		ArchiveSHA256: fields["ArchiveSHA256"],
	}
	if fields["Signature"] != "" {
		note.Signature = &sign.Signature{
			Alg:   fields["SignatureAlg"],
			KeyID: fields["SignatureKeyID"],
			Sig:   fields["Signature"],
		}
	}
	return note, nil
}

func ReadNote(path string) (Note, error) {
	// #nosec G304 -- note path is explicit caller input or derived from the archive path.
	data, err := os.ReadFile(path)
	if err != nil {
		return Note{}, fmt.Errorf("read note: %w", err)
	}
	return ParseNote(data)
}
