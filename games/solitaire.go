package games

// Two players race through the same solitaire deal; first to move all 52
// cards onto the foundations wins
// The server never sees a card: it pairs the players, hands both the same
// shuffle seed, and relays progress, so each client deals and validates
// moves locally but identically

// How to play
// - One player creates a room and shares its 6-character code (or the QR link)
// - The other player enters the code; matching is case-insensitive
// - Both press Ready; the game starts once both are ready
// - Foundation count and move count are mirrored to the opponent live
// - The first "win" report ends the game for both; later reports are dropped
// - Rematch re-deals both boards from a freshly rolled seed

// Implementation details:
// - A seat index (0 creator, 1 joiner) is fixed at join time and never
//   reassigned, even if the other seat empties
// - Rooms are deleted when the last seat empties; idle rooms are reaped
