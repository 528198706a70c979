// Package vaultfs provides a transparent at-rest encryption layer for the
// AbsFs filesystem abstraction. A vault is an ordinary directory on any
// absfs.FileSystem whose contents are unreadable without the vault
// password: file contents are stored as authenticated ciphertext blocks,
// filenames are encrypted deterministically, and directory listings can be
// kept in encrypted on-disk B-trees.
//
// # File content encryption
//
// Every file is encrypted independently under a per-file session key. The
// file begins with a small header carrying a random 16-byte file ID; the
// session key is derived by encrypting that ID under the vault's content
// master key. The body is a sequence of AES-GCM blocks, each carrying its
// own random IV and a 16-byte tag that authenticates both the block data
// and the block's position within that particular file. Random access is
// supported: reads and writes touch only the blocks they cover.
//
// Blocks whose stored IV is all zero are holes: they read back as zeros
// and are never decrypted, so sparse files stay sparse on disk.
//
// # Directory storage
//
// The full format stores each directory as an on-disk B-tree, a sorted
// map from filename to (id, type), kept in fixed-size pages on top of an
// encrypted stream. Freed pages are recycled through a doubly linked free
// list embedded in the same page space.
//
// # Basic usage
//
//	base, err := memfs.NewFS()
//	if err != nil {
//	    panic(err)
//	}
//
//	fs, err := vaultfs.Create(base, "/vault", &vaultfs.Config{
//	    KeyProvider: vaultfs.NewPasswordKeyProvider(
//	        []byte("correct horse battery staple"),
//	        vaultfs.Argon2idParams{},
//	    ),
//	})
//	if err != nil {
//	    panic(err)
//	}
//
//	f, _ := fs.Create("/secret.txt")
//	f.WriteString("this never touches disk in the clear")
//	f.Close()
//
// Reopening the same vault later only needs the password:
//
//	fs, err = vaultfs.Open(base, "/vault", &vaultfs.Config{
//	    KeyProvider: vaultfs.NewPasswordKeyProvider(
//	        []byte("correct horse battery staple"),
//	        vaultfs.Argon2idParams{},
//	    ),
//	})
//
// # Integrity
//
// Any modification of the ciphertext, including truncation inside a block
// or swapping blocks between positions or files, is detected on the next
// read and surfaced as an IntegrityError. Directory pages that fail
// structural checks surface CorruptedDirectoryError.
package vaultfs
