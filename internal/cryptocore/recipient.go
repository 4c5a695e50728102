package cryptocore

import (
	"errors"
	"fmt"
)

const hkdfInfoRecipient = "SecuMSG-Recipient"

// EncryptForRecipient seals data to a KEM public key. The output is the KEM
// ciphertext followed by the AEAD ciphertext.
func EncryptForRecipient(gw PrimitiveGateway, recipientKEMPublic, data []byte) ([]byte, error) {
	if gw == nil {
		return nil, errors.New("cryptocore: nil gateway")
	}
	ct, ss, err := gw.Encapsulate(recipientKEMPublic)
	if err != nil {
		return nil, err
	}
	key, err := gw.DeriveKey(ss, nil, []byte(hkdfInfoRecipient), SymmetricKeySize)
	wipe(ss)
	if err != nil {
		return nil, err
	}
	defer wipe(key)
	sealed, err := gw.Seal(key, data, ct)
	if err != nil {
		return nil, err
	}
	return append(ct, sealed...), nil
}

func DecryptFromSender(gw PrimitiveGateway, mySecretKey, data []byte) ([]byte, error) {
	if gw == nil {
		return nil, errors.New("cryptocore: nil gateway")
	}
	n := gw.KEMCiphertextSize()
	if len(data) < n {
		return nil, fmt.Errorf("%w: recipient payload is %d bytes", ErrDecryptionFailed, len(data))
	}
	ct, sealed := data[:n], data[n:]
	ss, err := gw.Decapsulate(mySecretKey, ct)
	if err != nil {
		return nil, err
	}
	key, err := gw.DeriveKey(ss, nil, []byte(hkdfInfoRecipient), SymmetricKeySize)
	wipe(ss)
	if err != nil {
		return nil, err
	}
	defer wipe(key)
	return gw.Open(key, sealed, ct)
}
