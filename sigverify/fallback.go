package sigverify

import (
	k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// VerifyPostSlate checks a PostSlate signature against every challenge currently accepted by the
// oracle, trying the documented str‖challenge construction first and falling back to str alone so
// older clients that sign over the slate body only still interoperate. It returns the challenge
// the signature actually verified against, so the caller can record it rather than assume
// whichever challenge happens to be current; the str-alone fallback carries no challenge, so it
// returns "", matching how the original relay recorded provenance for that path.
func VerifyPostSlate(pubkey *k1.PublicKey, str string, sigHex string, acceptedChallenges []string) (ok bool, matchedChallenge string, err error) {
	for _, chal := range acceptedChallenges {
		ok, err := Verify(pubkey, MessageForPostSlate(str, chal), sigHex)
		if err != nil {
			return false, "", err
		}
		if ok {
			return true, chal, nil
		}
	}

	ok, err = Verify(pubkey, []byte(str), sigHex)
	if err != nil {
		return false, "", err
	}

	return ok, "", nil
}

// VerifySubscribe checks a Subscribe signature against every challenge currently accepted by the oracle.
func VerifySubscribe(pubkey *k1.PublicKey, sigHex string, acceptedChallenges []string) (bool, error) {
	for _, chal := range acceptedChallenges {
		ok, err := Verify(pubkey, MessageForSubscribe(chal), sigHex)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}

	return false, nil
}
