package protocol

import (
	"errors"
	"fmt"
)

const hexIDLength = 64

// ValidHexID reports whether s is a 64-character lowercase hex digest.
func ValidHexID(s string) bool {
	if len(s) != hexIDLength {
		return false
	}
	for i := 0; i < hexIDLength; i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// ValidateHello checks the handshake identity fields. Token verification is
// the hub's job; here only presence and length bounds are enforced. The
// returned error text starts with the field that triggered the rejection so
// the close reason is self-explanatory.
func ValidateHello(h *Hello) error {
	if h.UserID == "" || h.DisplayName == "" || h.Emoji == "" {
		return errors.New("identity fields userId, displayName, and emoji are required")
	}
	if !ValidHexID(h.UserID) {
		return errors.New("identity field userId must be a 64-char lowercase hex digest")
	}
	if len(h.DisplayName) > DisplayNameMaxLength {
		return fmt.Errorf("display name exceeds %d bytes", DisplayNameMaxLength)
	}
	if len(h.Emoji) > EmojiMaxLength {
		return fmt.Errorf("emoji exceeds %d bytes", EmojiMaxLength)
	}
	return nil
}

func validateRoomFields(hashVersion, repoID, filePath string) error {
	if hashVersion != HashVersion {
		return fmt.Errorf("hashVersion %q is not supported (server uses %q)", hashVersion, HashVersion)
	}
	if !ValidHexID(repoID) {
		return errors.New("repoId must be a 64-char lowercase hex digest")
	}
	if len(filePath) > FilePathMaxLength {
		return fmt.Errorf("filePath exceeds %d bytes", FilePathMaxLength)
	}
	if !ValidHexID(filePath) {
		return errors.New("filePath must be a 64-char lowercase hex digest")
	}
	return nil
}

// ValidateRoomRef checks a room:join / room:leave / presence:clear payload.
func ValidateRoomRef(r *RoomRef) error {
	return validateRoomFields(r.HashVersion, r.RepoID, r.FilePath)
}

// ValidateFunctionRef checks an edit:push / presence:set payload.
func ValidateFunctionRef(r *FunctionRef) error {
	if err := validateRoomFields(r.HashVersion, r.RepoID, r.FilePath); err != nil {
		return err
	}
	if !ValidHexID(r.FunctionID) {
		return errors.New("functionId must be a 64-char lowercase hex digest")
	}
	if r.AnchorLine < 1 {
		return errors.New("anchorLine must be a positive integer")
	}
	return nil
}

// ValidateRepoHeat checks a repo:heat request payload.
func ValidateRepoHeat(r *RepoHeatRequest) error {
	if r.HashVersion != HashVersion {
		return fmt.Errorf("hashVersion %q is not supported (server uses %q)", r.HashVersion, HashVersion)
	}
	if !ValidHexID(r.RepoID) {
		return errors.New("repoId must be a 64-char lowercase hex digest")
	}
	return nil
}
